package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // retain 带 attrs 时表示格式化该区间
}

type Delta []Op

// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]

// Retain 跳过 n 个字符；n<=0 时不追加
func (d Delta) Retain(n int, attrs map[string]any) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n, Attrs: attrs})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}

// Span 返回 delta 作用于旧文档的长度（retain + delete）
func (d Delta) Span() int {
	n := 0
	for _, op := range d {
		if op.Kind == KindRetain || op.Kind == KindDelete {
			n += op.Count
		}
	}
	return n
}
