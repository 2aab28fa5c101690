package mcb_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/retroryan/mcpbridge/pkg/mcb"
	"github.com/stretchr/testify/assert"
)

func testHashkey(t *testing.T) []byte {
	t.Helper()
	return mcb.GetHashWithArgon("PasswordyPassword", "SaltySalt", 1, 64, 2, 32)
}

func TestConvertJSONFileToConfig(t *testing.T) {

	configJSON := `{
	"ApplicationName": "mcpbridge",
	"ServerConfigs": {
		"alpha": { "Endpoint": "http://localhost:9097/alpha" },
		"beta":  { "Endpoint": "http://localhost:9097/beta", "MaxConnectionCount": 2 }
	},
	"BreakerConfig": { "FailureThreshold": 7 }
}`

	fileNamePath := filepath.Join(t.TempDir(), "config.json")
	assert.NoError(t, os.WriteFile(fileNamePath, []byte(configJSON), 0o644))

	seasoning, err := mcb.ConvertJSONFileToConfig(fileNamePath)
	assert.NoError(t, err)
	assert.Equal(t, "mcpbridge", seasoning.ApplicationName)
	assert.Len(t, seasoning.ServerConfigs, 2)

	// Names fall back to map keys, omitted knobs to documented defaults.
	alpha := seasoning.ServerConfigs["alpha"]
	assert.Equal(t, "alpha", alpha.Name)
	assert.Equal(t, uint64(5), alpha.MaxConnectionCount)
	assert.Equal(t, uint32(30000), alpha.RequestTimeout)

	assert.Equal(t, uint64(2), seasoning.ServerConfigs["beta"].MaxConnectionCount)
	assert.Equal(t, uint32(7), seasoning.BreakerConfig.FailureThreshold)
	assert.Equal(t, uint32(10000), seasoning.BreakerConfig.RecoveryTimeout)
	assert.NotNil(t, seasoning.MonitorConfig)
	assert.NotNil(t, seasoning.LifecycleConfig)
}

func TestConvertJSONFileToConfigWithoutServers(t *testing.T) {

	fileNamePath := filepath.Join(t.TempDir(), "empty.json")
	assert.NoError(t, os.WriteFile(fileNamePath, []byte(`{"ApplicationName":"x"}`), 0o644))

	seasoning, err := mcb.ConvertJSONFileToConfig(fileNamePath)
	assert.Nil(t, seasoning)
	assert.Error(t, err)
}

func TestCreateAndReadWrappedPayload(t *testing.T) {

	event := &mcb.Event{
		EventID: uuid.New(),
		Kind:    mcb.EventKindBreaker,
		Message: "breaker closed -> open",
	}

	compression := &mcb.CompressionConfig{Enabled: true, Type: mcb.ZstdCompressionType}
	encryption := &mcb.EncryptionConfig{Enabled: true, Type: mcb.AesSymmetricType, Hashkey: testHashkey(t)}

	data, err := mcb.CreateWrappedPayload(event, event.EventID, "probe", compression, encryption)
	assert.NoError(t, err)

	wrapped, err := mcb.ReadWrappedBodyFromJSONBytes(data)
	assert.NoError(t, err)
	assert.Equal(t, event.EventID, wrapped.PayloadID)
	assert.Equal(t, "probe", wrapped.Metadata)
	assert.True(t, wrapped.Body.Compressed)
	assert.True(t, wrapped.Body.Encrypted)
	assert.Equal(t, mcb.ZstdCompressionType, wrapped.Body.CType)

	inner, err := mcb.ReadPayload(wrapped, encryption)
	assert.NoError(t, err)

	decoded := &mcb.Event{}
	assert.NoError(t, jsonUnmarshalForTest(inner, decoded))
	assert.Equal(t, event.EventID, decoded.EventID)
	assert.Equal(t, event.Message, decoded.Message)
}

func TestReadEncryptedPayloadWithoutHashkey(t *testing.T) {

	encryption := &mcb.EncryptionConfig{Enabled: true, Type: mcb.AesSymmetricType, Hashkey: testHashkey(t)}
	data, err := mcb.CreateWrappedPayload(map[string]string{"k": "v"}, uuid.New(), "", nil, encryption)
	assert.NoError(t, err)

	wrapped, err := mcb.ReadWrappedBodyFromJSONBytes(data)
	assert.NoError(t, err)

	_, err = mcb.ReadPayload(wrapped, nil)
	assert.Error(t, err)
}

func TestCompressDecompressRoundTrips(t *testing.T) {

	data := bytes.Repeat([]byte("connection pool exhausted "), 100)

	zstdBuffer := &bytes.Buffer{}
	assert.NoError(t, mcb.CompressWithZstd(data, zstdBuffer))
	assert.Less(t, zstdBuffer.Len(), len(data))
	assert.NoError(t, mcb.DecompressWithZstd(zstdBuffer))
	assert.Equal(t, data, zstdBuffer.Bytes())

	gzipBuffer := &bytes.Buffer{}
	assert.NoError(t, mcb.CompressWithGzip(data, gzipBuffer))
	assert.Less(t, gzipBuffer.Len(), len(data))
	assert.NoError(t, mcb.DecompressWithGzip(gzipBuffer))
	assert.Equal(t, data, gzipBuffer.Bytes())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {

	hashkey := testHashkey(t)
	plaintext := []byte("super secret tool arguments")

	cipherData, err := mcb.EncryptWithAes(plaintext, hashkey, 12)
	assert.NoError(t, err)
	assert.NotEqual(t, plaintext, cipherData)

	decrypted, err := mcb.DecryptWithAes(cipherData, hashkey, 12)
	assert.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// A different key must not decrypt.
	wrongKey := mcb.GetHashWithArgon("WrongPassword", "SaltySalt", 1, 64, 2, 32)
	_, err = mcb.DecryptWithAes(cipherData, wrongKey, 12)
	assert.Error(t, err)
}
