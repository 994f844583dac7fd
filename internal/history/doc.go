// Package history は封印済みレポートの実行履歴を保存する。
//
// MemoryStore はプロセス内、SQLStore は PostgreSQL (lib/pq) か MySQL に保存する。
package history
