package collab

import (
	"errors"
	"math"
	"testing"

	"collabcore/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},               // 跳过 "Hello"
		{Kind: delta.KindInsert, Text: " collaborative"}, // 在 pos=5 插入
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// "Hello collaborative world"
	//  01234 5            18 ...
	//  保留 "Hello"，然后删 " collaborative"
	d := delta.Delta{
		{Kind: delta.KindRetain, Count: 5},  // "Hello"
		{Kind: delta.KindDelete, Count: 14}, // " collaborative" 长度
	}

	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_InsertAfterEarlierInsert(t *testing.T) {
	pt := NewPieceTable("abcdef")
	steps := []delta.Delta{
		delta.Delta{}.Retain(2, nil).Insert("XY"),
		delta.Delta{}.Retain(6, nil).Insert("Z"),
		delta.Delta{}.Insert("<"),
		delta.Delta{}.Retain(1, nil).Delete(4),
	}
	for i, d := range steps {
		if err := pt.Apply(d); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if got, want := pt.String(), "<cdZef"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_Format(t *testing.T) {
	pt := NewPieceTable("Hello world")
	bold := map[string]any{"bold": true}

	if err := pt.Apply(delta.Delta{}.Retain(6, nil).Retain(5, bold)); err != nil {
		t.Fatalf("format: %v", err)
	}
	runs := pt.Runs()
	if len(runs) != 2 || runs[0].Text != "Hello " || runs[1].Text != "world" || runs[1].Attrs["bold"] != true {
		t.Fatalf("runs = %+v", runs)
	}

	// 属性值 nil 表示移除
	if err := pt.Apply(delta.Delta{}.Retain(6, nil).Retain(2, map[string]any{"bold": nil})); err != nil {
		t.Fatalf("unformat: %v", err)
	}
	runs = pt.Runs()
	if len(runs) != 2 || runs[0].Text != "Hello wo" || runs[1].Text != "rld" {
		t.Fatalf("runs after unformat = %+v", runs)
	}

	// 格式不改变文本
	if pt.String() != "Hello world" {
		t.Fatalf("format changed text: %q", pt.String())
	}
}

func TestPieceTable_OutOfRange(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.Delta{}.Retain(2, nil).Delete(5))
	if !errors.Is(err, ErrDeltaOutOfRange) {
		t.Fatalf("got %v, want ErrDeltaOutOfRange", err)
	}
	if pt.String() != "abc" {
		t.Fatalf("failed apply modified the table: %q", pt.String())
	}
}

func TestPieceTable_HugeCountDoesNotWrap(t *testing.T) {
	pt := NewPieceTable("hello")
	for _, d := range []delta.Delta{
		delta.Delta{}.Retain(1, nil).Delete(math.MaxInt),
		delta.Delta{}.Retain(1, nil).Retain(math.MaxInt, map[string]any{"bold": true}),
	} {
		if err := pt.Apply(d); !errors.Is(err, ErrDeltaOutOfRange) {
			t.Fatalf("apply %+v: got %v, want ErrDeltaOutOfRange", d, err)
		}
	}
	if pt.String() != "hello" {
		t.Fatalf("table modified: %q", pt.String())
	}
}

func TestPieceTable_Unicode(t *testing.T) {
	pt := NewPieceTable("你好")
	if err := pt.Apply(delta.Delta{}.Retain(1, nil).Insert("们")); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if pt.String() != "你们好" || pt.Len() != 3 {
		t.Fatalf("got %q len %d", pt.String(), pt.Len())
	}
}
