package versioning

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"lukechampine.com/blake3"
)

// Version is one historical state of a graph. Equality is by label.
type Version struct {
	Label     string
	Index     int
	CreatedAt time.Time
}

// Equal compares versions by label.
func (v Version) Equal(other Version) bool {
	return v.Label == other.Label
}

func (v Version) String() string {
	return v.Label
}

// Changelog is the edge that moves state from one version to the next.
type Changelog struct {
	From  int
	To    int
	Delta transaction.Transaction
}

// newLabel derives a content-addressed label from the graph identity, the
// parent label, the node index and the changelog body.
func newLabel(graphID, parentLabel string, index int, body []byte) string {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(graphID))
	hasher.Write([]byte{'\n'})
	hasher.Write([]byte(parentLabel))
	hasher.Write([]byte{'\n'})
	hasher.Write([]byte(strconv.Itoa(index)))
	hasher.Write([]byte{'\n'})
	hasher.Write(body)
	return hex.EncodeToString(hasher.Sum(nil))
}

// FormatMaster joins the master path with "/".
func FormatMaster(master []int) string {
	parts := make([]string, 0, len(master))
	for _, index := range master {
		parts = append(parts, strconv.Itoa(index))
	}
	return strings.Join(parts, "/")
}

// ParseMaster splits a "/"-joined master path.
func ParseMaster(raw string) ([]int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, "/")
	master := make([]int, 0, len(parts))
	for _, part := range parts {
		index, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		master = append(master, index)
	}
	return master, nil
}
