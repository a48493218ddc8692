package kafka

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "kafka.yml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	p := writeFile(t, `
schema_version: v1
brokers: ["localhost:9092"]
topics: ["orders"]
group_id: kpipe
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "newest", cfg.StartFrom)
	assert.Equal(t, "franz", cfg.Driver)
	assert.Equal(t, 50*time.Millisecond, cfg.Consumer.PollInterval)
	assert.Equal(t, 50*time.Millisecond, cfg.Consumer.PollTimeout)
	assert.Equal(t, 15*time.Second, cfg.Consumer.CommitTimeout)
	assert.Equal(t, time.Second, cfg.Consumer.CommitTimeWarning)
	assert.Equal(t, 5*time.Second, cfg.Consumer.PartitionHandlerWarning)
	assert.Zero(t, cfg.Consumer.CommitRefreshInterval)
	assert.Equal(t, 30*time.Second, cfg.Consumer.StopTimeout)
	assert.Equal(t, 5*time.Second, cfg.Consumer.PositionTimeout)
	assert.Equal(t, 500, cfg.Consumer.BufferSize)
	assert.Equal(t, 1000, cfg.Commit.MaxBatch)
	assert.Equal(t, 5*time.Second, cfg.Commit.MaxInterval)
}

func TestLoadConfigEnvOverridesNestedKeys(t *testing.T) {
	p := writeFile(t, `
brokers: ["localhost:9092"]
topics: ["orders"]
group_id: kpipe
consumer:
  poll_interval: 10ms
`)
	t.Setenv("KPIPE_KAFKA__CONSUMER__POLL_INTERVAL", "250ms")
	t.Setenv("KPIPE_KAFKA__GROUP_ID", "from-env")

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Consumer.PollInterval)
	assert.Equal(t, "from-env", cfg.GroupID)
}

func TestLoadConfigRejectsUnknownSchema(t *testing.T) {
	p := writeFile(t, "schema_version: v9\n")
	_, err := LoadConfig(p)
	require.ErrorContains(t, err, "schema_version")
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"no brokers":      "topics: [a]\ngroup_id: g\n",
		"nothing to read": "brokers: [b]\n",
		"both modes":      "brokers: [b]\ngroup_id: g\ntopics: [a]\npartitions: [\"a:0\"]\n",
		"no group":        "brokers: [b]\ntopics: [a]\n",
		"bad partition":   "brokers: [b]\npartitions: [\"a\"]\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestManualAssignment(t *testing.T) {
	cfg := Config{Partitions: []string{"orders:0@42", "orders:1", "a:b:3@0"}}
	got, err := cfg.ManualAssignment()
	require.NoError(t, err)
	assert.Equal(t, Offsets{
		{Topic: "orders", Partition: 0}: 42,
		{Topic: "orders", Partition: 1}: -1,
		{Topic: "a:b", Partition: 3}:    0,
	}, got)

	for _, bad := range []string{"orders", "orders:", ":1", "orders:x", "orders:1@", "orders:1@-4"} {
		_, err := Config{Partitions: []string{bad}}.ManualAssignment()
		assert.Errorf(t, err, "%q should not parse", bad)
	}
}
