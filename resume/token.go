package resume

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// timestampTypeByte prefixes the cluster time inside a resume token's _data.
const timestampTypeByte = 0x82

// ErrInvalidResumeToken indicates a resume token whose cluster time cannot be read.
var ErrInvalidResumeToken = errors.New("invalid resume token")

// OpTime extracts the cluster time encoded in a change stream resume token.
//
// The token's _data field is a hex string whose first byte is 0x82 followed
// by the timestamp as a big-endian uint64 (seconds << 32 | increment).
func OpTime(token bson.Raw) (primitive.Timestamp, error) {
	if len(token) == 0 {
		return primitive.Timestamp{}, fmt.Errorf("%w: empty token", ErrInvalidResumeToken)
	}
	val, err := token.LookupErr("_data")
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("%w: missing _data", ErrInvalidResumeToken)
	}
	str, ok := val.StringValueOK()
	if !ok {
		return primitive.Timestamp{}, fmt.Errorf("%w: _data is %s, not a string", ErrInvalidResumeToken, val.Type)
	}
	data, err := hex.DecodeString(str)
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("%w: %v", ErrInvalidResumeToken, err)
	}
	if len(data) < 9 || data[0] != timestampTypeByte {
		return primitive.Timestamp{}, fmt.Errorf("%w: _data does not start with a cluster time", ErrInvalidResumeToken)
	}
	packed := binary.BigEndian.Uint64(data[1:9])
	return primitive.Timestamp{T: uint32(packed >> 32), I: uint32(packed)}, nil
}

// Token builds a resume token carrying the given cluster time. Any suffix
// bytes are appended after the timestamp, which lets callers build distinct
// tokens that share a cluster time.
func Token(ts primitive.Timestamp, suffix ...byte) bson.Raw {
	data := make([]byte, 9, 9+len(suffix))
	data[0] = timestampTypeByte
	binary.BigEndian.PutUint64(data[1:], uint64(ts.T)<<32|uint64(ts.I))
	data = append(data, suffix...)

	raw, err := bson.Marshal(bson.D{{Key: "_data", Value: strings.ToUpper(hex.EncodeToString(data))}})
	if err != nil {
		// Marshalling a single string field cannot fail.
		panic(err)
	}
	return raw
}
