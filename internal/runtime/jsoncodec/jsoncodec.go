package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// EncodedSize reports how many bytes v occupies once JSON encoded. Values
// that cannot be encoded report zero.
func EncodedSize(v any) int {
	data, err := defaultConfig.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
