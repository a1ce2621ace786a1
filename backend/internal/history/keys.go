package history

import (
	"encoding/binary"
)

// Pebble 键空间（按字节序可排序）：
//   - doc/{len}{docID}/m                          最新 sequence（be8）
//   - doc/{len}{docID}/e/{seq_be8}                 操作记录
//   - doc/{len}{docID}/s/{author_be8}{submission}  幂等索引 -> seq_be8
//
// docID 带 uvarint 长度前缀，避免包含 '/' 的 docID 串到别的文档的键空间。

var (
	docPrefix  = []byte("doc/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
	subSeg     = []byte("/s/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func appendDoc(dst []byte, docID string) []byte {
	dst = append(dst, docPrefix...)
	dst = binary.AppendUvarint(dst, uint64(len(docID)))
	return append(dst, docID...)
}

func keyMeta(docID string) []byte {
	k := make([]byte, 0, len(docID)+16)
	k = appendDoc(k, docID)
	return append(k, metaSuffix...)
}

func keyEntry(docID string, seq uint64) []byte {
	k := make([]byte, 0, len(docID)+24)
	k = appendDoc(k, docID)
	k = append(k, entrySeg...)
	return appendBE8(k, seq)
}

func keySubmission(docID string, authorID uint64, submissionID string) []byte {
	k := make([]byte, 0, len(docID)+len(submissionID)+24)
	k = appendDoc(k, docID)
	k = append(k, subSeg...)
	k = appendBE8(k, authorID)
	return append(k, submissionID...)
}

func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
