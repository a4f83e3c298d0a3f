package tabledata

import "github.com/horaedb/analytic-engine/internal/errs"

// walOpKind tags what a table's WAL entry carries. The Rust source this
// engine is grounded on (instance/alter.rs) models this as a WritePayload
// enum with Write/AlterSchema/AlterOption variants; walmgr treats every
// payload as opaque bytes, so the discriminant lives here as a single
// leading byte instead.
type walOpKind uint8

const (
	walOpRow walOpKind = iota
	walOpAlterSchema
	walOpAlterOptions
)

// encodeWalPayload prefixes body with its op kind.
func encodeWalPayload(kind walOpKind, body []byte) []byte {
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(kind))
	return append(out, body...)
}

// decodeWalPayload splits a tagged WAL payload back into its kind and body.
func decodeWalPayload(data []byte) (walOpKind, []byte, error) {
	if len(data) < 1 {
		return 0, nil, errs.New(errs.Corruption, "tabledata", "empty WAL payload")
	}
	return walOpKind(data[0]), data[1:], nil
}
