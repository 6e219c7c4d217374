/*
 * Copyright 2023 The RuleGo Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package json encodes rule results without HTML escaping.
package json

import (
	"bytes"
	"encoding/json"
)

// Marshal encodes v without escaping &, < and >, and without a trailing newline.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Format renders v as result content: strings and byte slices pass through, everything else is JSON.
func Format(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", nil
	}
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses JSON payloads and reports false for anything that is not valid JSON.
func Decode(payload []byte) (interface{}, bool) {
	if !json.Valid(payload) {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, false
	}
	return v, true
}
