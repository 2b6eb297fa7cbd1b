package pgconf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultServerConfigParsesBack(t *testing.T) {
	lines := DefaultServerConfig(ServerSettings{
		Port:           5433,
		MaxConnections: 100,
		SharedBuffers:  "128MB",
		PidFile:        "/opt/run/postgresql.pid",
	})

	settings, err := Parse([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"listen_addresses":  "*",
		"port":              "5433",
		"max_connections":   "100",
		"shared_buffers":    "128MB",
		"external_pid_file": "/opt/run/postgresql.pid",
	}, settings)
}

func TestParseLastLineWins(t *testing.T) {
	lines := append(DefaultServerConfig(ServerSettings{Port: 5432, MaxConnections: 100, SharedBuffers: "32MB", PidFile: "/p"}),
		"port = 6543",
		"shared_buffers 256MB",
	)

	settings, err := Parse([]byte(strings.Join(lines, "\n")))
	require.NoError(t, err)
	assert.Equal(t, "6543", settings["port"])
	assert.Equal(t, "256MB", settings["shared_buffers"])
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]string
		wantErr bool
	}{
		{
			name:    "comments and blanks",
			content: "# header\n\nport = 5432 # trailing\n",
			want:    map[string]string{"port": "5432"},
		},
		{
			name:    "hash inside quotes",
			content: "log_line_prefix = '%m # %p'\n",
			want:    map[string]string{"log_line_prefix": "%m # %p"},
		},
		{
			name:    "doubled quote",
			content: "search_path = 'it''s'\n",
			want:    map[string]string{"search_path": "it's"},
		},
		{
			name:    "keys are case insensitive",
			content: "Port = 1\nPORT = 2\n",
			want:    map[string]string{"port": "2"},
		},
		{
			name:    "whitespace form with equals in value",
			content: "search_path 'a=b'\nlog_line_prefix\t'%m=%p'\n",
			want:    map[string]string{"search_path": "a=b", "log_line_prefix": "%m=%p"},
		},
		{
			name:    "equals without spaces",
			content: "work_mem=4MB\nlisten_addresses ='*'\n",
			want:    map[string]string{"work_mem": "4MB", "listen_addresses": "*"},
		},
		{
			name:    "missing value",
			content: "fsync\n",
			wantErr: true,
		},
		{
			name:    "missing name",
			content: " = 3\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseAccessControl(t *testing.T) {
	content := `
# TYPE  DATABASE USER ADDRESS METHOD
local   all      all          peer
host    all      all  0.0.0.0/0  md5
host    app      bob  10.0.0.0 255.0.0.0 scram-sha-256
hostssl all      all  ::1/128  cert clientcert=verify-full
`
	rules, err := ParseAccessControl([]byte(content))
	require.NoError(t, err)
	require.Len(t, rules, 4)

	assert.Equal(t, AccessRule{Line: 3, Type: "local", Database: "all", User: "all", Method: "peer"}, rules[0])
	assert.Equal(t, "0.0.0.0/0", rules[1].Address)
	assert.Equal(t, "md5", rules[1].Method)
	assert.Equal(t, "10.0.0.0/255.0.0.0", rules[2].Address)
	assert.Equal(t, "scram-sha-256", rules[2].Method)
	assert.Equal(t, "cert", rules[3].Method)
	assert.Equal(t, "clientcert=verify-full", rules[3].Options)

	_, err = ParseAccessControl([]byte("host all all\n"))
	assert.Error(t, err)
}

func TestDefaultAccessControlParses(t *testing.T) {
	rules, err := ParseAccessControl([]byte(strings.Join(DefaultAccessControl(), "\n")))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "host", rules[0].Type)
	assert.Equal(t, "0.0.0.0/0", rules[0].Address)
	assert.Equal(t, "md5", rules[0].Method)
}

type stubRenderer struct {
	content []byte
	err     error
	calls   []string
}

func (s *stubRenderer) Render(_ context.Context, location string, _ any) ([]byte, error) {
	s.calls = append(s.calls, location)
	return s.content, s.err
}

func TestMaterializerResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("default", func(t *testing.T) {
		r := &stubRenderer{}
		m := NewMaterializer(r)

		a, err := m.Resolve(ctx, AccessControlFile, "  ", DefaultAccessControl(), nil)
		require.NoError(t, err)
		assert.False(t, a.Templated())
		assert.Equal(t, AccessControlFile, a.Name)
		assert.Equal(t, []string{DefaultAccessControlRule}, a.Lines)
		assert.Equal(t, DefaultAccessControlRule+"\n", string(a.Content))
		assert.Empty(t, r.calls)
	})

	t.Run("template", func(t *testing.T) {
		r := &stubRenderer{content: []byte("port = 7000\n")}
		m := NewMaterializer(r)

		a, err := m.Resolve(ctx, ServerConfigFile, "https://example.com/pg.conf", []string{"port = 1"}, nil)
		require.NoError(t, err)
		assert.True(t, a.Templated())
		assert.Nil(t, a.Lines)
		assert.Equal(t, "port = 7000\n", string(a.Content))
		assert.Equal(t, []string{"https://example.com/pg.conf"}, r.calls)
	})

	t.Run("render failure", func(t *testing.T) {
		m := NewMaterializer(&stubRenderer{err: errors.New("boom")})
		_, err := m.Resolve(ctx, ServerConfigFile, "file:///nope", nil, nil)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("no renderer", func(t *testing.T) {
		m := NewMaterializer(nil)
		_, err := m.Resolve(ctx, ServerConfigFile, "/tmp/x.conf", nil, nil)
		assert.Error(t, err)
	})
}

func TestTemplateRendererFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "postgresql.conf.tmpl")
	require.NoError(t, os.WriteFile(p, []byte("port = {{ .Port }}\nexternal_pid_file = '{{ .PidFile }}'\n"), 0o600))

	r := NewTemplateRenderer(nil)
	data := TemplateData{Port: 5544, PidFile: "/run/pg.pid"}

	for _, loc := range []string{p, "file://" + p} {
		out, err := r.Render(context.Background(), loc, data)
		require.NoError(t, err, loc)
		assert.Equal(t, "port = 5544\nexternal_pid_file = '/run/pg.pid'\n", string(out))
	}
}

func TestTemplateRendererHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/hba":
			fmt.Fprint(w, "host {{ .Extra.db }} all 10.0.0.0/8 scram-sha-256\n")
		case "/bad":
			fmt.Fprint(w, "{{ .Missing }}")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	r := NewTemplateRenderer(srv.Client())
	data := TemplateData{Extra: map[string]string{"db": "app"}}

	out, err := r.Render(context.Background(), srv.URL+"/hba", data)
	require.NoError(t, err)
	assert.Equal(t, "host app all 10.0.0.0/8 scram-sha-256\n", string(out))

	_, err = r.Render(context.Background(), srv.URL+"/bad", data)
	assert.Error(t, err)

	_, err = r.Render(context.Background(), srv.URL+"/missing", data)
	assert.ErrorContains(t, err, "404")
}

func TestTemplateRendererUnsupportedScheme(t *testing.T) {
	_, err := NewTemplateRenderer(nil).Render(context.Background(), "s3://bucket/key", nil)
	assert.ErrorContains(t, err, "unsupported template scheme")
}
