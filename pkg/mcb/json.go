package mcb

import (
	"bytes"
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

const (
	// GzipCompressionType helps identify which compression/decompression to use.
	GzipCompressionType = "gzip"

	// ZstdCompressionType helps identify which compression/decompression to use.
	ZstdCompressionType = "zstd"

	// AesSymmetricType helps identify which encryption/decryption to use.
	AesSymmetricType = "aes"
)

// WrappedBody is the plaintext envelope around a sealed payload. The envelope carries
// the flags a reader needs to reverse the sealing.
type WrappedBody struct {
	PayloadID uuid.UUID   `json:"PayloadID"`
	Body      *ModdedBody `json:"Body"`
	Metadata  string      `json:"Metadata,omitempty"`
}

// ModdedBody is a payload with the modifications that have been applied to it.
type ModdedBody struct {
	Encrypted   bool   `json:"Encrypted"`
	EType       string `json:"EncryptionType,omitempty"`
	Compressed  bool   `json:"Compressed"`
	CType       string `json:"CompressionType,omitempty"`
	UTCDateTime string `json:"UTCDateTime,omitempty"`
	Data        []byte `json:"Data,omitempty"`
}

// ConvertJSONFileToConfig opens a file.json and converts it to a BridgeSeasoning,
// filling defaults for any knob the file leaves out.
func ConvertJSONFileToConfig(fileNamePath string) (*BridgeSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	config := &BridgeSeasoning{}
	var json = jsoniter.ConfigFastest
	if err = json.Unmarshal(byteValue, config); err != nil {
		return nil, err
	}

	if len(config.ServerConfigs) == 0 {
		return nil, errors.New("config has no tool servers")
	}

	config.ApplyDefaults()
	return config, nil
}

// CreateWrappedPayload wraps your data in a plaintext envelope and performs the
// selected modifications to the inner data.
func CreateWrappedPayload(
	input interface{},
	payloadID uuid.UUID,
	metadata string,
	compression *CompressionConfig,
	encryption *EncryptionConfig) ([]byte, error) {

	wrappedBody := &WrappedBody{
		PayloadID: payloadID,
		Metadata:  metadata,
		Body:      &ModdedBody{},
	}

	var json = jsoniter.ConfigFastest
	innerData, err := json.Marshal(&input)
	if err != nil {
		return nil, err
	}

	buffer := &bytes.Buffer{}
	if compression != nil && compression.Enabled {
		err := handleCompression(compression, innerData, buffer)
		if err != nil {
			return nil, err
		}

		// Data is now compressed
		wrappedBody.Body.Compressed = true
		wrappedBody.Body.CType = compression.Type
		innerData = buffer.Bytes()
	}

	if encryption != nil && encryption.Enabled {
		err := handleEncryption(encryption, innerData, buffer)
		if err != nil {
			return nil, err
		}

		// Data is now encrypted
		wrappedBody.Body.Encrypted = true
		wrappedBody.Body.EType = encryption.Type
		innerData = buffer.Bytes()
	}

	wrappedBody.Body.UTCDateTime = JSONUtcTimestamp()
	wrappedBody.Body.Data = innerData

	return json.Marshal(&wrappedBody)
}

// ReadWrappedBodyFromJSONBytes simply reads the bytes as a WrappedBody.
func ReadWrappedBodyFromJSONBytes(data []byte) (*WrappedBody, error) {

	var json = jsoniter.ConfigFastest
	body := &WrappedBody{}
	err := json.Unmarshal(data, body)
	if err != nil {
		return nil, err
	}

	return body, nil
}

// ReadPayload reverses the modifications flagged on a WrappedBody and returns the
// original inner bytes.
func ReadPayload(wrapped *WrappedBody, encryption *EncryptionConfig) ([]byte, error) {

	if wrapped == nil || wrapped.Body == nil {
		return nil, errors.New("wrapped body is empty")
	}

	data := wrapped.Body.Data

	if wrapped.Body.Encrypted {
		if encryption == nil || len(encryption.Hashkey) == 0 {
			return nil, errors.New("payload is encrypted and no hashkey was provided")
		}

		decrypted, err := DecryptWithAes(data, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return nil, err
		}
		data = decrypted
	}

	if wrapped.Body.Compressed {
		buffer := bytes.NewBuffer(data)
		var err error
		switch wrapped.Body.CType {
		case ZstdCompressionType:
			err = DecompressWithZstd(buffer)
		default:
			err = DecompressWithGzip(buffer)
		}
		if err != nil {
			return nil, err
		}
		data = buffer.Bytes()
	}

	return data, nil
}

func handleCompression(compression *CompressionConfig, data []byte, buffer *bytes.Buffer) error {

	buffer.Reset()
	switch compression.Type {
	case ZstdCompressionType:
		return CompressWithZstd(data, buffer)
	case GzipCompressionType:
		fallthrough
	default:
		return CompressWithGzip(data, buffer)
	}
}

func handleEncryption(encryption *EncryptionConfig, data []byte, buffer *bytes.Buffer) error {

	switch encryption.Type {
	case AesSymmetricType:
		fallthrough
	default:
		cipherData, err := EncryptWithAes(data, encryption.Hashkey, defaultNonceSize)
		if err != nil {
			return err
		}

		buffer.Reset()
		_, err = buffer.Write(cipherData)
		return err
	}
}

func jsonUnmarshal(data []byte, out interface{}) error {
	var json = jsoniter.ConfigFastest
	return json.Unmarshal(data, out)
}

// JSONUtcTimestamp quickly creates a string RFC3339 format in UTC.
func JSONUtcTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
