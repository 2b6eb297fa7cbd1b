package pgconf

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"text/template"
	"time"
)

const maxTemplateSize = 1 << 20

// TemplateData is what configuration templates are rendered with.
type TemplateData struct {
	Version        string
	MajorMinor     string
	Port           int
	MaxConnections int
	SharedBuffers  string
	InstallDir     string
	RunDir         string
	DataDir        string
	LogFile        string
	PidFile        string
	Extra          map[string]string
}

// TemplateRenderer fetches templates from local paths, file:// URLs or
// http(s):// URLs and renders them with text/template. Unknown keys in the
// template are errors.
type TemplateRenderer struct {
	client *http.Client
}

// NewTemplateRenderer returns a renderer. A nil client uses a client with a
// 30 second timeout.
func NewTemplateRenderer(client *http.Client) *TemplateRenderer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TemplateRenderer{client: client}
}

// Render fetches location and executes it as a template with data.
func (r *TemplateRenderer) Render(ctx context.Context, location string, data any) ([]byte, error) {
	raw, err := r.fetch(ctx, location)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.New(path.Base(location)).Option("missingkey=error").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", location, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template %s: %w", location, err)
	}
	return buf.Bytes(), nil
}

func (r *TemplateRenderer) fetch(ctx context.Context, location string) ([]byte, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid template location %q: %w", location, err)
	}

	switch u.Scheme {
	case "", "file":
		p := location
		if u.Scheme == "file" {
			p = u.Path
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", p, err)
		}
		return data, nil

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request for %s: %w", location, err)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch template %s: %w", location, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch template %s: %s", location, resp.Status)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxTemplateSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", location, err)
		}
		if len(data) > maxTemplateSize {
			return nil, fmt.Errorf("template %s exceeds %d bytes", location, maxTemplateSize)
		}
		return data, nil

	default:
		return nil, fmt.Errorf("unsupported template scheme %q in %s", u.Scheme, location)
	}
}
