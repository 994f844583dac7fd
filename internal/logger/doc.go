// Package logger は zap のロガーを設定から組み立てる。
// ファイル出力はサイズでローテーションする。
package logger
