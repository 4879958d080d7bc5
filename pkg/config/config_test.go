package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func TestConfig_MaxFileSizeBytes(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    int64
		wantErr bool
	}{
		{name: "default", value: DefaultMaxFileSize, want: 50 << 20},
		{name: "kib", value: "512KiB", want: 512 << 10},
		{name: "invalid", value: "fifty", wantErr: true},
		{name: "zero", value: "0B", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{MaxFileSize: tt.value}
			got, err := c.MaxFileSizeBytes()
			if (err != nil) != tt.wantErr {
				t.Fatalf("MaxFileSizeBytes() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MaxFileSizeBytes() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	c := Default()
	if err := c.Validate(); err != ErrMissingAPIKey {
		t.Errorf("Validate() error = %v, want ErrMissingAPIKey", err)
	}
	c.VirusTotal.APIKey = "key"
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestDefault_SubmitTimeouts(t *testing.T) {
	conf := Default()
	if got := time.Duration(conf.VirusTotal.SubmitURLTimeout); got != 15*time.Second {
		t.Errorf("Default() url submit timeout = %s, want 15s", got)
	}
	if got := time.Duration(conf.VirusTotal.SubmitFileTimeout); got != 30*time.Second {
		t.Errorf("Default() file submit timeout = %s, want 30s", got)
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	if err := d.Set("1m30s"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if time.Duration(d) != 90*time.Second || d.String() != "1m30s" {
		t.Errorf("Duration = %s", d)
	}
	if err := d.Set("soon"); err == nil {
		t.Errorf("Set() error = nil, want error")
	}
}

func TestConfig_Viper(t *testing.T) {
	location := filepath.Join(t.TempDir(), "config.yml")
	content := `
virustotal:
  apiKey: secret
  requestsPerMinute: 4
polling:
  url:
    maxAttempts: 5
    pollInterval: 2s
maxFileSize: 10MiB
monitoring:
  paths: [/srv/drop, /srv/inbox]
  modificationDelay: 1m
`
	if err := os.WriteFile(location, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	v.SetConfigFile(location)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		t.Fatalf("ReadInConfig() error = %v", err)
	}
	got := Default()
	if err := v.Unmarshal(got, viper.DecodeHook(DecodeHook())); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	want := Default()
	want.VirusTotal.APIKey = "secret"
	want.VirusTotal.RequestsPerMinute = 4
	want.Polling.URL.MaxAttempts = 5
	want.Polling.URL.PollInterval = Duration(2 * time.Second)
	want.MaxFileSize = "10MiB"
	want.Monitoring.Paths = []string{"/srv/drop", "/srv/inbox"}
	want.Monitoring.ModificationDelay = Duration(time.Minute)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	out, err := yaml.Marshal(got)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	var back Config
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if back.Polling.URL.PollInterval != Duration(2*time.Second) {
		t.Errorf("yaml poll interval = %s", back.Polling.URL.PollInterval)
	}
}
