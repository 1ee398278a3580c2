package assetcache

import "github.com/vmihailenco/msgpack/v5"

func encodeEntry(e Entry) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEntry(b []byte) (Entry, error) {
	var e Entry
	err := msgpack.Unmarshal(b, &e)
	return e, err
}
