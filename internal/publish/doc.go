// Package publish は封印済みのレポートをHTTPで外部に送信する。
package publish
