// Copyright 2024-2026 Aiku AI

package router

import (
	"fmt"
	"strings"
	"text/template"
)

// Ledger key sources.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

const DefaultLedgerKeyFormat = "{{.Source}}:{{.ID}}"

type keyData struct {
	Source string
	ID     string
}

// KeyFormat renders idempotency ledger keys.
type KeyFormat struct {
	tmpl *template.Template
}

// ParseKeyFormat compiles a ledger key template. The template receives
// .Source and .ID and must produce distinct keys for distinct sources and
// distinct ids.
func ParseKeyFormat(format string) (*KeyFormat, error) {
	if format == "" {
		format = DefaultLedgerKeyFormat
	}
	tmpl, err := template.New("ledger_key").Option("missingkey=error").Parse(format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ledger key format: %w", err)
	}
	kf := &KeyFormat{tmpl: tmpl}
	a, err := kf.render(SourcePrimary, "a")
	if err != nil {
		return nil, err
	}
	b, _ := kf.render(SourcePrimary, "b")
	c, _ := kf.render(SourceSecondary, "a")
	if a == b {
		return nil, fmt.Errorf("ledger key format %q does not include the message id", format)
	} else if a == c {
		return nil, fmt.Errorf("ledger key format %q does not include the source", format)
	}
	return kf, nil
}

func (kf *KeyFormat) render(source, id string) (string, error) {
	var sb strings.Builder
	if err := kf.tmpl.Execute(&sb, keyData{Source: source, ID: id}); err != nil {
		return "", fmt.Errorf("failed to render ledger key: %w", err)
	}
	return sb.String(), nil
}

// Key returns the ledger key for a message from the given source.
func (kf *KeyFormat) Key(source, id string) string {
	key, err := kf.render(source, id)
	if err != nil {
		// Unreachable for a template that passed ParseKeyFormat.
		return source + ":" + id
	}
	return key
}
