package collab

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"

	"collabcore/backend/internal/ot/delta"
)

var ErrDeltaOutOfRange = errors.New("DELTA_OUT_OF_RANGE")

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增。换句话说，这里：bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量
	length int
	attrs  map[string]any
}

type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片
	add []rune
	// 分片列表
	pieces []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

// NewPieceTableFromRuns 从快照的 runs 恢复，每个 run 一个 piece
func NewPieceTableFromRuns(runs []Run) *PieceTable {
	pt := &PieceTable{}
	for _, r := range runs {
		text := []rune(r.Text)
		if len(text) == 0 {
			continue
		}
		pt.pieces = append(pt.pieces, piece{buf: bufOriginal, offset: len(pt.original), length: len(text), attrs: maps.Clone(r.Attrs)})
		pt.original = append(pt.original, text...)
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) text(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.text(p)))
	}
	return b.String()
}

// Runs 相邻且属性相同的 piece 合并输出
func (pt *PieceTable) Runs() []Run {
	var out []Run
	for _, p := range pt.pieces {
		if n := len(out); n > 0 && reflect.DeepEqual(out[n-1].Attrs, p.attrs) {
			out[n-1].Text += string(pt.text(p))
			continue
		}
		out = append(out, Run{Text: string(pt.text(p)), Attrs: maps.Clone(p.attrs)})
	}
	return out
}

// Apply 整个 delta 校验通过才生效；越界返回 ErrDeltaOutOfRange，表保持原样
func (pt *PieceTable) Apply(d delta.Delta) error {
	if err := pt.check(d); err != nil {
		return err
	}
	pos := 0
	//retain: 沿 piece 列表向前走，对应“移动 pos”；带 attrs 时格式化该区间；
	//insert: 在当前 pos 切分并插入新 piece；
	//delete: 在 [pos, pos+n) 两端切分，去掉中间的 piece。
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if len(op.Attrs) > 0 {
				lo := pt.splitAt(pos)
				hi := pt.splitAt(pos + op.Count)
				for i := lo; i < hi; i++ {
					pt.pieces[i].attrs = mergeAttrs(pt.pieces[i].attrs, op.Attrs)
				}
			}
			pos += op.Count

		case delta.KindInsert:
			r := []rune(op.Text)
			start := len(pt.add)
			pt.add = append(pt.add, r...)
			idx := pt.splitAt(pos)
			pt.pieces = append(pt.pieces, piece{})
			copy(pt.pieces[idx+1:], pt.pieces[idx:])
			pt.pieces[idx] = piece{buf: bufAdd, offset: start, length: len(r)}
			pos += len(r)

		case delta.KindDelete:
			lo := pt.splitAt(pos)
			hi := pt.splitAt(pos + op.Count)
			pt.pieces = append(pt.pieces[:lo], pt.pieces[hi:]...)
		}
	}
	return nil
}

func (pt *PieceTable) check(d delta.Delta) error {
	pos, length := 0, pt.Len()
	for i, op := range d {
		switch op.Kind {
		case delta.KindRetain, delta.KindDelete:
			if op.Count < 0 || op.Count > length-pos {
				return fmt.Errorf("%w: op %d %s %d at %d, length %d", ErrDeltaOutOfRange, i, op.Kind, op.Count, pos, length)
			}
			if op.Kind == delta.KindRetain {
				pos += op.Count
			} else {
				length -= op.Count
			}
		case delta.KindInsert:
			n := len([]rune(op.Text))
			pos += n
			length += n
		default:
			return fmt.Errorf("%w: op %d unknown kind %q", ErrDeltaOutOfRange, i, op.Kind)
		}
	}
	return nil
}

// splitAt 保证 pos 处是 piece 边界，返回从 pos 开始的 piece 下标
func (pt *PieceTable) splitAt(pos int) int {
	cur := 0
	for i, p := range pt.pieces {
		if pos == cur {
			return i
		}
		if pos < cur+p.length {
			off := pos - cur
			left := piece{buf: p.buf, offset: p.offset, length: off, attrs: p.attrs}
			right := piece{buf: p.buf, offset: p.offset + off, length: p.length - off, attrs: maps.Clone(p.attrs)}
			pt.pieces = append(pt.pieces, piece{})
			copy(pt.pieces[i+2:], pt.pieces[i+1:])
			pt.pieces[i] = left
			pt.pieces[i+1] = right
			return i + 1
		}
		cur += p.length
	}
	return len(pt.pieces)
}

// 属性值为 nil 表示移除该属性
func mergeAttrs(cur, upd map[string]any) map[string]any {
	out := maps.Clone(cur)
	if out == nil {
		out = make(map[string]any, len(upd))
	}
	for k, v := range upd {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
