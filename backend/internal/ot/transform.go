package ot

import "maps"

// Transform 将 incoming 改写为可以在 applied 之后应用的形式。
// applied 已经被接受（sequence 更小），incoming 没有看到它。
func Transform(incoming Operation, applied AcceptedOperation) Operation {
	out := incoming
	out.Attributes = maps.Clone(incoming.Attributes)

	switch incoming.Kind {
	case KindInsert:
		switch applied.Kind {
		case KindInsert:
			out.Position = transformInsertInsert(incoming, applied.Operation)
		case KindDelete:
			out.Position = shiftPointByDelete(incoming.Position, applied.Position, applied.Length)
		}
	case KindDelete, KindFormat:
		switch applied.Kind {
		case KindInsert:
			out.Position, out.Length = transformRangeByInsert(incoming.Position, incoming.Length, applied.Position, applied.TextLen())
		case KindDelete:
			out.Position, out.Length = transformRangeByDelete(incoming.Position, incoming.Length, applied.Position, applied.Length)
		}
	}
	// applied 为 format 时不移动任何文本，incoming 原样保留；
	// format 与 format 重叠时由回放顺序决定（后接受者覆盖）
	return out
}

// TransformAll 依 sequence 顺序对所有 intervening 操作做变换
func TransformAll(incoming Operation, intervening []AcceptedOperation) Operation {
	out := incoming
	for _, applied := range intervening {
		out = Transform(out, applied)
	}
	return out
}

// 同位置插入：submission_id 字典序更大的一方排在后面
func transformInsertInsert(incoming, applied Operation) int {
	pos := incoming.Position
	if applied.Position < pos {
		return pos + applied.TextLen()
	}
	if applied.Position == pos && insertsAfter(incoming, applied) {
		return pos + applied.TextLen()
	}
	return pos
}

func insertsAfter(incoming, applied Operation) bool {
	if incoming.SubmissionID != applied.SubmissionID {
		return incoming.SubmissionID > applied.SubmissionID
	}
	return incoming.AuthorID > applied.AuthorID
}

// 插入点落在被删区间内时锚定到区间起点；区间之后则左移
func shiftPointByDelete(pos, delPos, delLen int) int {
	switch {
	case pos <= delPos:
		return pos
	case pos >= delPos+delLen:
		return pos - delLen
	default:
		return delPos
	}
}

// 区间 [pos, pos+length) 遇到插入：
//   - 插入点在区间之前（含起点）：整体右移
//   - 插入点严格在区间内部：区间扩大，覆盖插入的文本
//   - 插入点在区间之后（含终点）：不变
func transformRangeByInsert(pos, length, insPos, insLen int) (int, int) {
	switch {
	case insPos <= pos:
		return pos + insLen, length
	case insPos < pos+length:
		return pos, length + insLen
	default:
		return pos, length
	}
}

// 区间 [pos, pos+length) 遇到已接受的删除 [delPos, delPos+delLen)：
// 已删除的部分从区间中去掉，剩余部分按删除量左移
func transformRangeByDelete(pos, length, delPos, delLen int) (int, int) {
	end, delEnd := pos+length, delPos+delLen
	switch {
	case delEnd <= pos:
		return pos - delLen, length
	case delPos >= end:
		return pos, length
	}
	overlap := min(end, delEnd) - max(pos, delPos)
	return min(pos, delPos), length - overlap
}
