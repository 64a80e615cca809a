package rpc

import (
	"crypto/md5"
	"encoding/binary"
	"hash/fnv"
	"strings"
)

// ModuleIDFromUUID derives a module ID from a UUID string: first 4 bytes (LE)
// of MD5 over the lower-cased text.
func ModuleIDFromUUID(uuid string) uint32 {
	sum := md5.Sum([]byte(strings.ToLower(uuid)))
	return binary.LittleEndian.Uint32(sum[:4])
}

// StringID FNV-1a 32 of s.
func StringID(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
