// Package bson is the minimal embedded BSON codec required by the
// MongoDB engine: enough of the wire format to
// recognize command documents and round-trip mock documents, not a
// general-purpose BSON library.
package bson

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
)

const (
	typeDouble   = 0x01
	typeString   = 0x02
	typeDocument = 0x03
	typeArray    = 0x04
	typeBool     = 0x08
	typeNull     = 0x0A
	typeInt32    = 0x10
	typeInt64    = 0x12
)

// Decode reads one BSON document from buf, returning the decoded
// document and the number of bytes consumed. Unknown element types
// cause decoding to stop gracefully at the current field, returning
// whatever was decoded so far.
func Decode(buf []byte) (map[string]any, int, error) {
	if len(buf) < 5 {
		return nil, 0, fmt.Errorf("bson: buffer too short")
	}
	total := int(int32(binary.LittleEndian.Uint32(buf[0:4])))
	if total < 5 || len(buf) < total {
		return nil, 0, fmt.Errorf("bson: incomplete document")
	}
	doc := make(map[string]any)
	p := buf[4:total]
	for len(p) > 0 && p[0] != 0x00 {
		elemType := p[0]
		p = p[1:]
		nameEnd := indexByte(p, 0)
		if nameEnd < 0 {
			break
		}
		name := string(p[:nameEnd])
		p = p[nameEnd+1:]

		switch elemType {
		case typeDouble:
			if len(p) < 8 {
				return doc, total, nil
			}
			bits := binary.LittleEndian.Uint64(p[:8])
			doc[name] = math.Float64frombits(bits)
			p = p[8:]
		case typeString:
			if len(p) < 4 {
				return doc, total, nil
			}
			slen := int(int32(binary.LittleEndian.Uint32(p[:4])))
			p = p[4:]
			if slen < 1 || len(p) < slen {
				return doc, total, nil
			}
			doc[name] = string(p[:slen-1]) // drop trailing NUL
			p = p[slen:]
		case typeDocument:
			sub, n, err := Decode(p)
			if err != nil {
				return doc, total, nil
			}
			doc[name] = sub
			p = p[n:]
		case typeArray:
			sub, n, err := Decode(p)
			if err != nil {
				return doc, total, nil
			}
			doc[name] = docToArray(sub)
			p = p[n:]
		case typeBool:
			if len(p) < 1 {
				return doc, total, nil
			}
			doc[name] = p[0] != 0
			p = p[1:]
		case typeNull:
			doc[name] = nil
		case typeInt32:
			if len(p) < 4 {
				return doc, total, nil
			}
			doc[name] = int32(binary.LittleEndian.Uint32(p[:4]))
			p = p[4:]
		case typeInt64:
			if len(p) < 8 {
				return doc, total, nil
			}
			doc[name] = int64(binary.LittleEndian.Uint64(p[:8]))
			p = p[8:]
		default:
			// Unknown type: stop gracefully, returning what we have.
			return doc, total, nil
		}
	}
	return doc, total, nil
}

func docToArray(doc map[string]any) []any {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	// BSON array keys are "0","1",... — sort numerically, not
	// lexically, so index 10 doesn't sort before index 2.
	sort.Slice(keys, func(i, j int) bool {
		ni, erri := strconv.Atoi(keys[i])
		nj, errj := strconv.Atoi(keys[j])
		if erri == nil && errj == nil {
			return ni < nj
		}
		return keys[i] < keys[j]
	})
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, doc[k])
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Encode serializes a document to BSON bytes. Supported value types:
// string, bool, nil, int32, int64, float64, map[string]any (nested
// document), []any (array).
func Encode(doc map[string]any) []byte {
	var body []byte
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		body = append(body, encodeElement(k, doc[k])...)
	}
	body = append(body, 0x00)
	total := len(body) + 4
	out := make([]byte, 4, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	return append(out, body...)
}

func encodeElement(name string, v any) []byte {
	switch val := v.(type) {
	case string:
		b := []byte{typeString}
		b = append(b, name...)
		b = append(b, 0x00)
		strBytes := append([]byte(val), 0x00)
		lenBuf := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(strBytes)))
		b = append(b, lenBuf...)
		b = append(b, strBytes...)
		return b
	case bool:
		b := []byte{typeBool}
		b = append(b, name...)
		b = append(b, 0x00)
		if val {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		return b
	case nil:
		b := []byte{typeNull}
		b = append(b, name...)
		return append(b, 0x00)
	case int32:
		b := []byte{typeInt32}
		b = append(b, name...)
		b = append(b, 0x00)
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(val))
		return append(b, buf...)
	case int:
		return encodeElement(name, int32(val))
	case int64:
		b := []byte{typeInt64}
		b = append(b, name...)
		b = append(b, 0x00)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(val))
		return append(b, buf...)
	case float64:
		b := []byte{typeDouble}
		b = append(b, name...)
		b = append(b, 0x00)
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(val))
		return append(b, buf...)
	case map[string]any:
		b := []byte{typeDocument}
		b = append(b, name...)
		b = append(b, 0x00)
		return append(b, Encode(val)...)
	case []any:
		b := []byte{typeArray}
		b = append(b, name...)
		b = append(b, 0x00)
		arrDoc := make(map[string]any, len(val))
		for i, e := range val {
			arrDoc[fmt.Sprintf("%d", i)] = e
		}
		return append(b, Encode(arrDoc)...)
	default:
		// Fall back to string representation for unsupported types.
		return encodeElement(name, fmt.Sprintf("%v", val))
	}
}
