package changestream

import (
	"testing"

	"github.com/getpup/searchsync/resume"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var testNamespace = resume.Namespace{Database: "db", Collection: "coll"}

func marshal(t *testing.T, doc interface{}) bson.Raw {
	t.Helper()
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

// tokenAt returns a resume token at cluster time {T: ts, I: 1}. Tokens with
// the same ts and a different seq are distinct but share their cluster time.
func tokenAt(ts uint32, seq byte) bson.Raw {
	return resume.Token(primitive.Timestamp{T: ts, I: 1}, seq)
}

func event(t *testing.T, token bson.Raw, fields ...bson.E) bson.Raw {
	t.Helper()
	doc := bson.D{{Key: "_id", Value: token}}
	return marshal(t, append(doc, fields...))
}

func fragment(t *testing.T, token bson.Raw, n, of int32, fields ...bson.E) bson.Raw {
	t.Helper()
	doc := bson.D{
		{Key: "_id", Value: token},
		{Key: "splitEvent", Value: bson.D{{Key: "fragment", Value: n}, {Key: "of", Value: of}}},
	}
	return marshal(t, append(doc, fields...))
}

func lookupString(t *testing.T, doc bson.Raw, key string) string {
	t.Helper()
	val, err := doc.LookupErr(key)
	require.NoError(t, err)
	return val.StringValue()
}
