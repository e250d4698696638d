package config

import (
	"os"
	"path/filepath"
	"testing"
)

// FuzzLoadFromYAML feeds random YAML through the loader looking for panics in
// parsing, normalization or validation.
func FuzzLoadFromYAML(f *testing.F) {
	f.Add([]byte(`
server:
  port: 3000
stream:
  url: "http://admin:3001/sync/stream"
cache:
  max_heap_mb: 256
`))
	f.Add([]byte(``))
	f.Add([]byte(`
server:
  port: 8443
  tls:
    enabled: true
    cert_file: /nonexistent
    key_file: /nonexistent
    http3_enabled: true
  trusted_proxies: ["10.0.0.0/8", "bogus"]
stream:
  mode: REDIS
  redis_channel: ""
  backoff_factor: 0.5
redis:
  mode: sentinel
  endpoints: ["a:26379", "b:26379"]
analytics:
  url: "ftp://collector"
  workers: -1
routing:
  country_headers: ["", " CF-IPCountry "]
password:
  attempt_window: "soon"
`))

	f.Fuzz(func(t *testing.T, data []byte) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatal(err)
		}
		_, _ = LoadFromPath(path)
	})
}
