package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value は詳細項目の値。文字列か数値のどちらか
type Value struct {
	num   json.Number
	str   string
	isNum bool
}

// Str は文字列の値を作る
func Str(s string) Value {
	return Value{str: s}
}

// Num は数値の値を作る。NaNと無限大は文字列として記録する
func Num(f float64) Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Str(strconv.FormatFloat(f, 'f', -1, 64))
	}
	return Value{num: json.Number(strconv.FormatFloat(f, 'f', -1, 64)), isNum: true}
}

// Int は整数の値を作る
func Int(i int64) Value {
	return Value{num: json.Number(strconv.FormatInt(i, 10)), isNum: true}
}

// Bool は真偽値を "true" / "false" の文字列として記録する
func Bool(b bool) Value {
	return Str(strconv.FormatBool(b))
}

// IsNumber は数値かどうかを返す
func (v Value) IsNumber() bool {
	return v.isNum
}

// Float は数値として返す
func (v Value) Float() (float64, bool) {
	if !v.isNum {
		return 0, false
	}
	f, err := v.num.Float64()
	return f, err == nil
}

// String は表示用の文字列を返す
func (v Value) String() string {
	if v.isNum {
		return v.num.String()
	}
	return v.str
}

// MarshalJSON は数値を元の精度のまま出力する
func (v Value) MarshalJSON() ([]byte, error) {
	if v.isNum {
		return []byte(v.num), nil
	}
	return json.Marshal(v.str)
}

// UnmarshalJSON は文字列か数値だけを受け付ける
func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Str(s)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var n any
	if err := dec.Decode(&n); err != nil {
		return err
	}
	num, ok := n.(json.Number)
	if !ok {
		return fmt.Errorf("詳細の値は文字列か数値である必要があります: %s", b)
	}
	*v = Value{num: num, isNum: true}
	return nil
}

// Detail は名前付きの詳細項目
type Detail struct {
	Name  string
	Value Value
}

// Details は順序付きの詳細項目。JSONでは挿入順のオブジェクトになる
type Details []Detail

// Set は項目を追加する。同じ名前があれば値を置き換える
func (d *Details) Set(name string, v Value) {
	for i := range *d {
		if (*d)[i].Name == name {
			(*d)[i].Value = v
			return
		}
	}
	*d = append(*d, Detail{Name: name, Value: v})
}

// Get は名前で値を探す
func (d Details) Get(name string) (Value, bool) {
	for _, x := range d {
		if x.Name == name {
			return x.Value, true
		}
	}
	return Value{}, false
}

// MarshalJSON は挿入順のJSONオブジェクトを出力する
func (d Details) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, x := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(x.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := x.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON はキーの順序を保ったまま読み込む
func (d *Details) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("詳細はJSONオブジェクトである必要があります")
	}

	var out Details
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("予期しないトークン: %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		var v Value
		if err := v.UnmarshalJSON(raw); err != nil {
			return fmt.Errorf("詳細 %q: %w", name, err)
		}
		out = append(out, Detail{Name: name, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*d = out
	return nil
}
