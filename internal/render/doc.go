// Package render は封印済みのレポートをHTMLとPDFに変換する。
package render
