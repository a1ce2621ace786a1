package history

import (
	"encoding/binary"
	"hash/crc32"
)

// 记录格式：varint headerLen | header | payload | crc32c(header|payload)
// header 为 be8 sequence，payload 为操作 JSON

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (header, payload []byte, ok bool) {
	if len(b) < 1+4 {
		return nil, nil, false
	}
	hlen, n := binary.Uvarint(b)
	// 先和剩余长度比较再转 int，损坏的 varint 可能超出 int 范围
	if n <= 0 || n > len(b)-4 || hlen > uint64(len(b)-n-4) {
		return nil, nil, false
	}
	h := n + int(hlen)
	header = b[n:h]
	payload = b[h : len(b)-4]
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return nil, nil, false
	}
	return append([]byte(nil), header...), append([]byte(nil), payload...), true
}
