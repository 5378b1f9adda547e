package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_PATH",
		"LISTEN_ADDR",
		"LOG_LEVEL",
		"TELEGRAM_BOT_TOKEN",
		"TELEGRAM_CHAT_ID",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name: "defaults",
			env:  nil,
			want: &Config{
				DatabasePath: "./data/sentro.db",
				ListenAddr:   ":8080",
				LogLevel:     "info",
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"DATABASE_PATH":      "/tmp/test.db",
				"LISTEN_ADDR":        ":9090",
				"LOG_LEVEL":          "debug",
				"TELEGRAM_BOT_TOKEN": "token123",
				"TELEGRAM_CHAT_ID":   "-1001234567890",
			},
			want: &Config{
				DatabasePath:     "/tmp/test.db",
				ListenAddr:       ":9090",
				LogLevel:         "debug",
				TelegramBotToken: "token123",
				TelegramChatID:   -1001234567890,
			},
		},
		{
			name: "invalid chat id",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "token123",
				"TELEGRAM_CHAT_ID":   "not-a-number",
			},
			wantErr: true,
		},
		{
			name: "token without chat id",
			env: map[string]string{
				"TELEGRAM_BOT_TOKEN": "token123",
			},
			wantErr: true,
		},
		{
			name: "chat id without token",
			env: map[string]string{
				"TELEGRAM_CHAT_ID": "42",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range tt.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNotificationsEnabled(t *testing.T) {
	cfg := &Config{}
	if cfg.NotificationsEnabled() {
		t.Error("expected notifications disabled without credentials")
	}

	cfg = &Config{TelegramBotToken: "token", TelegramChatID: 42}
	if !cfg.NotificationsEnabled() {
		t.Error("expected notifications enabled with credentials")
	}
}
