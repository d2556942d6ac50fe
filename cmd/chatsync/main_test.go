package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	cases := []struct {
		key, value string
		wantErr    bool
	}{
		{"default.base_url", "https://chat.example.com", false},
		{"default.log_level", "debug", false},
		{"auth.token", "tok", false},
		{"auth.user_id", "u-1", false},
		{"default.colour", "red", true},
		{"auth.password", "x", true},
		{"server.port", "80", true},
		{"base_url", "x", true},
	}
	for _, tc := range cases {
		err := setConfigValue(cfg, tc.key, tc.value)
		if (err != nil) != tc.wantErr {
			t.Errorf("setConfigValue(%q): err = %v, wantErr %v", tc.key, err, tc.wantErr)
		}
	}
	if cfg.Default.BaseURL != "https://chat.example.com" || cfg.Default.LogLevel != "debug" ||
		cfg.Auth.Token != "tok" || cfg.Auth.UserID != "u-1" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CHATSYNC_BASE_URL", "")
	t.Setenv("CHATSYNC_LOG_LEVEL", "")

	cfg := &Config{}
	setConfigValue(cfg, "default.base_url", "https://chat.example.com")
	setConfigValue(cfg, "auth.user_name", "me")
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if loaded.Default.BaseURL != "https://chat.example.com" || loaded.Auth.UserName != "me" {
		t.Fatalf("config not persisted: %+v", loaded)
	}

	t.Setenv("CHATSYNC_BASE_URL", "http://localhost:3030")
	t.Setenv("CHATSYNC_LOG_LEVEL", "info")
	eff, err := loadEffectiveConfig()
	if err != nil {
		t.Fatalf("loadEffectiveConfig: %v", err)
	}
	if eff.Default.BaseURL != "http://localhost:3030" || eff.Default.LogLevel != "info" {
		t.Fatalf("environment must override the file: %+v", eff.Default)
	}
	if eff.Auth.UserName != "me" {
		t.Fatalf("unset variables keep file values: %+v", eff.Auth)
	}
}

func TestConfigShowSources(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, f := range configFields {
		if f.envVar != "" {
			t.Setenv(f.envVar, "")
		}
	}

	cfg := &Config{}
	setConfigValue(cfg, "default.base_url", "https://chat.example.com")
	setConfigValue(cfg, "default.log_level", "debug")
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	const token = "sk-live-0123456789abcd"
	t.Setenv("CHATSYNC_LOG_LEVEL", "info")
	t.Setenv("CHATSYNC_TOKEN", token)

	eff, sources, err := loadEffectiveConfigSources()
	if err != nil {
		t.Fatalf("loadEffectiveConfigSources: %v", err)
	}
	want := map[string]string{
		"default.base_url":  sourceFile,
		"default.log_level": "env CHATSYNC_LOG_LEVEL",
		"auth.token":        "env CHATSYNC_TOKEN",
		"auth.user_id":      sourceUnset,
	}
	for key, src := range want {
		if sources[key] != src {
			t.Errorf("source of %s = %q, want %q", key, sources[key], src)
		}
	}
	if eff.Default.LogLevel != "info" || eff.Auth.Token != token {
		t.Fatalf("environment not applied: %+v", eff)
	}

	var out bytes.Buffer
	if err := writeConfig(&out, eff, sources); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}
	text := out.String()
	if strings.Contains(text, token) {
		t.Fatalf("token printed in clear:\n%s", text)
	}
	for _, s := range []string{maskKey(token), "env CHATSYNC_TOKEN", "https://chat.example.com", "info"} {
		if !strings.Contains(text, s) {
			t.Errorf("expected %q in output:\n%s", s, text)
		}
	}
	if file, _ := loadConfig(); file.Auth.Token != "" || file.Default.LogLevel != "debug" {
		t.Errorf("environment values must not reach the file: %+v", file)
	}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestResolveUserID(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{"configured", Config{Auth: ConfigAuth{UserID: "u-cfg", Token: "junk"}}, "u-cfg", false},
		{"user_id claim", Config{Auth: ConfigAuth{Token: signToken(t, jwt.MapClaims{"user_id": "u-claim", "sub": "u-sub"})}}, "u-claim", false},
		{"sub claim", Config{Auth: ConfigAuth{Token: signToken(t, jwt.MapClaims{"sub": "u-sub"})}}, "u-sub", false},
		{"no claims", Config{Auth: ConfigAuth{Token: signToken(t, jwt.MapClaims{"role": "user"})}}, "", true},
		{"no token", Config{}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveUserID(&tc.cfg)
			if (err != nil) != tc.wantErr || got != tc.want {
				t.Fatalf("resolveUserID = %q, %v; want %q (err %v)", got, err, tc.want, tc.wantErr)
			}
		})
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok := tokenExpiry(signToken(t, jwt.MapClaims{"exp": exp.Unix()}))
	if !ok || !got.Equal(exp) {
		t.Fatalf("tokenExpiry = %v, %v", got, ok)
	}
	if _, ok := tokenExpiry(signToken(t, jwt.MapClaims{"sub": "u"})); ok {
		t.Fatal("expected no expiry")
	}
}

func TestMaskKey(t *testing.T) {
	cases := map[string]string{
		"short":                  "****",
		"abcd12345678":           "abcd...5678",
		"sk-live-0123456789abcd": "sk-live-0123...abcd",
	}
	for in, want := range cases {
		if got := maskKey(in); got != want {
			t.Errorf("maskKey(%q) = %q, want %q", in, got, want)
		}
	}
}
