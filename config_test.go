package puma

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const tomlConfig = `
[global]
log_level = "debug"

[reactor]
name = "MainReactor"
event_buffer_size = 256
lock_os_thread = true

[events]
kafka_brokers = "kafka-1:9092,kafka-2:9092"
kafka_topic = "reactor-events"
dedup_ttl_sec = 30
`

const yamlConfig = `
global:
  log_level: debug
reactor:
  name: MainReactor
  event_buffer_size: 256
  lock_os_thread: true
events:
  kafka_brokers: kafka-1:9092,kafka-2:9092
  kafka_topic: reactor-events
  dedup_ttl_sec: 30
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	for _, tc := range []struct {
		name    string
		file    string
		content string
	}{
		{"toml", "config.toml", tomlConfig},
		{"yaml", "config.yaml", yamlConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			config := LoadConfig(writeConfig(t, tc.file, tc.content))
			require.Equal(t, "debug", config.Global.LogLevel)
			require.Equal(t, "MainReactor", config.Reactor.Name)
			require.Equal(t, 256, config.Reactor.EventBufferSize)
			require.True(t, config.Reactor.LockOsThread)
			require.Equal(t, "kafka-1:9092,kafka-2:9092", config.Events.KafkaBrokers)
			require.Equal(t, "reactor-events", config.Events.KafkaTopic)
			require.Equal(t, 30, config.Events.DedupTtlSec)
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	config := LoadConfig(writeConfig(t, "config.toml", "[reactor]\nname = \"bare\"\n"))
	require.Equal(t, defEventsBufferSize, config.Reactor.EventBufferSize)
	require.Zero(t, config.Events.DedupTtlSec)
}
