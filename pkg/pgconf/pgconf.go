// Package pgconf produces the two configuration files a database server
// needs on the target host: the server configuration (postgresql.conf) and
// the host based access control file (pg_hba.conf).
//
// Each file is either synthesized from built-in defaults or rendered from a
// user supplied template. Synthesized content is kept as lines so it can be
// echoed through the remote command channel; rendered content is written
// verbatim through a staged copy.
package pgconf

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
)

// File names inside the run directory.
const (
	ServerConfigFile  = "postgresql.conf"
	AccessControlFile = "pg_hba.conf"
)

// DefaultAccessControlRule is the single rule written when no access control
// template is configured: any host may authenticate with an md5 password.
// Deployments that care about exposure should supply their own template.
const DefaultAccessControlRule = "host all all 0.0.0.0/0 md5"

// ServerSettings are the values the default server configuration carries.
type ServerSettings struct {
	Port           int
	MaxConnections int
	SharedBuffers  string
	PidFile        string
}

// DefaultServerConfig returns the synthesized server configuration lines.
func DefaultServerConfig(s ServerSettings) []string {
	return []string{
		"listen_addresses = '*'",
		fmt.Sprintf("port = %d", s.Port),
		fmt.Sprintf("max_connections = %d", s.MaxConnections),
		fmt.Sprintf("shared_buffers = %s", s.SharedBuffers),
		fmt.Sprintf("external_pid_file = '%s'", s.PidFile),
	}
}

// DefaultAccessControl returns the synthesized access control lines.
func DefaultAccessControl() []string {
	return []string{DefaultAccessControlRule}
}

// Artifact is one resolved configuration file.
type Artifact struct {
	// Name is the file name inside the run directory.
	Name string

	// Source is the template location the content was rendered from, or
	// empty when the built-in default was used.
	Source string

	// Lines holds the synthesized content when Source is empty.
	Lines []string

	// Content is the file content in both cases.
	Content []byte
}

// Templated reports whether the artifact came from a user template.
func (a Artifact) Templated() bool {
	return a.Source != ""
}

// Renderer fetches and renders a template.
type Renderer interface {
	Render(ctx context.Context, location string, data any) ([]byte, error)
}

// Materializer resolves configuration artifacts.
type Materializer struct {
	renderer Renderer
}

// NewMaterializer returns a Materializer that renders templates with r.
func NewMaterializer(r Renderer) *Materializer {
	return &Materializer{renderer: r}
}

// Resolve renders templateURL with data when it is set, and otherwise uses
// defaults.
func (m *Materializer) Resolve(ctx context.Context, name, templateURL string, defaults []string, data any) (Artifact, error) {
	templateURL = strings.TrimSpace(templateURL)
	if templateURL == "" {
		return Artifact{
			Name:    name,
			Lines:   defaults,
			Content: joinLines(defaults),
		}, nil
	}

	if m.renderer == nil {
		return Artifact{}, fmt.Errorf("no renderer configured for %s template %s", name, templateURL)
	}
	content, err := m.renderer.Render(ctx, templateURL, data)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to render %s from %s: %w", name, templateURL, err)
	}
	return Artifact{Name: name, Source: templateURL, Content: content}, nil
}

func joinLines(lines []string) []byte {
	if len(lines) == 0 {
		return nil
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// Parse reads server configuration content and returns the effective value
// of each setting. When a setting appears more than once the last occurrence
// wins. Keys are lower-cased, comments are dropped and single quotes around
// values are removed.
func Parse(content []byte) (map[string]string, error) {
	settings := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(content))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// the name ends at the first '=' or blank; the '=' is optional
		idx := strings.IndexAny(line, "= \t")
		if idx < 0 {
			return nil, fmt.Errorf("line %d: setting %q has no value", lineNo, line)
		}
		key := strings.ToLower(line[:idx])
		value := strings.TrimPrefix(strings.TrimSpace(line[idx:]), "=")
		if key == "" {
			return nil, fmt.Errorf("line %d: missing setting name", lineNo)
		}
		settings[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return settings, nil
}

// stripComment removes a trailing # comment that is not inside quotes.
func stripComment(line string) string {
	inQuote := false
	for i, r := range line {
		switch r {
		case '\'':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return line[:i]
			}
		}
	}
	return line
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return strings.ReplaceAll(v[1:len(v)-1], "''", "'")
	}
	return v
}
