package wire

import (
	"fmt"

	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
	"github.com/minio/sha256-simd"
)

// Tag derives the content tag of a request: base64(sha256(json(req))),
// computed with the Tag field cleared. Struct fields encode in declaration
// order and map keys sorted, so identical envelopes give identical tags.
func Tag(req Request) (string, error) {
	req.Tag = ""
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode request for tag: %w", err)
	}
	sum := sha256.Sum256(data)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
