package collab

import (
	"collabcore/backend/internal/ot/delta"
)

// 抽象文档内容缓冲区接口
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
	Runs() []Run
}

// Run 一段属性相同的连续文本
type Run struct {
	Text  string         `json:"text"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

/*
结构示例

初始文档内容 `"Hello world"`：

- original buffer 内容：`"Hello world"`
- add buffer 为空 (`""`)
- piece 表：


[ (orig, offset=0, length=11) ]  // 整个文档


在位置 5 插入 `" collaborative"`：
- 在 **add buffer** 末尾追加 `" collaborative"`：
  - add buffer = `" collaborative"`
- piece 表从一条拆成三条：


[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]

对 [0,5) 设置 bold：先在 0 和 5 处切分，再给切出来的 piece 合并属性：

[
  (orig, offset=0, length=5, {bold:true}),
  (add,  offset=0, length=14),
  (orig, offset=5, length=6),
]
*/
