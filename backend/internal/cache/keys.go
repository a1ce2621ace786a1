package cache

import "fmt"

// 键语义：
// - roomKey(docID):    房间在线 session（ZSet<sessionID, lastActiveUnixMs>）
// - entriesKey(docID): sessionID -> PresenceEntry JSON（Hash）
// - docsKey():         有在线 session 的文档索引（Set<docID>）
//
// roomKey 与 entriesKey 使用同一个 hash tag，保证 Lua 脚本在集群模式下落在同一个 slot。

const (
	keyRoomFmt    = "presence:room:{docID:%s}"         // ZSet<sessionID, lastActiveMs>
	keyEntriesFmt = "presence:room:entries:{docID:%s}" // Hash<sessionID -> json>
	keyDocsSet    = "presence:docs"                    // Set<docID>
)

func roomKey(docID string) string    { return fmt.Sprintf(keyRoomFmt, docID) }
func entriesKey(docID string) string { return fmt.Sprintf(keyEntriesFmt, docID) }
func docsKey() string                { return keyDocsSet }
