package signaling

import "encoding/base64"

func encodeBase64(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
