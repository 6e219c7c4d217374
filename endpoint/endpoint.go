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

// Package endpoint creates inbound listeners by type from configuration.
// Built-in types are mqtt (endpoint/mqtt), kafka (endpoint/kafka) and
// rest (endpoint/rest); every listener delivers raw payloads to a
// types.MessageHandler, usually the fan-out.
//
// Package endpoint 按类型从配置创建输入监听器。
package endpoint

import (
	"github.com/rulego/cep/api/types"
)

// Factory creates a listener from its configuration map.
type Factory func(id string, configuration map[string]interface{}, handler types.MessageHandler, logger types.Logger) (types.Listener, error)

// Definition describes one configured listener.
// Definition 监听器定义
type Definition struct {
	Id   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`
	// Configuration is decoded by the factory of Type.
	Configuration map[string]interface{} `json:"configuration" yaml:"configuration"`
}
