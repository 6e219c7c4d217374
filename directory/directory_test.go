/*
 * Copyright 2024 The RuleGo Authors.
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

package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rulego/cep/api/types"
	"github.com/rulego/cep/test"
)

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(
		types.Rule{Id: 3, Content: "c3", Active: true},
		types.Rule{Id: 1, Content: "c1", Active: true},
		types.Rule{Id: 2, Content: "c2"},
	)
	var changed []int64
	d.OnRuleChanged(func(ruleId int64) { changed = append(changed, ruleId) })

	rules, err := d.ListActive(context.Background())
	require.Nil(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, int64(1), rules[0].Id)
	assert.Equal(t, int64(3), rules[1].Id)

	_, ok, _ := d.GetContent(context.Background(), 2)
	assert.False(t, ok)
	assert.True(t, d.SetActive(2, true))
	r, ok, _ := d.GetContent(context.Background(), 2)
	assert.True(t, ok)
	assert.Equal(t, "c2", r.Content)

	d.Put(types.Rule{Id: 4, Content: "c4", Active: true})
	d.Delete(1)
	d.Delete(99)
	assert.False(t, d.SetActive(99, true))
	assert.Equal(t, []int64{2, 4, 1}, changed)
}

type countingDirectory struct {
	*MemoryDirectory
	gets  atomic.Int64
	lists atomic.Int64
}

func (c *countingDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	c.gets.Add(1)
	return c.MemoryDirectory.GetContent(ctx, ruleId)
}

func (c *countingDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	c.lists.Add(1)
	return c.MemoryDirectory.ListActive(ctx)
}

func TestCachedDirectory(t *testing.T) {
	inner := &countingDirectory{MemoryDirectory: NewMemoryDirectory(types.Rule{Id: 1, Content: "v1", Active: true})}
	c := NewCachedDirectory(inner, WithListTTL(time.Minute))
	defer c.Close()
	var changed []int64
	c.OnRuleChanged(func(ruleId int64) { changed = append(changed, ruleId) })

	for i := 0; i < 3; i++ {
		r, ok, err := c.GetContent(context.Background(), 1)
		require.Nil(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v1", r.Content)
		_, _ = c.ListActive(context.Background())
	}
	assert.Equal(t, int64(1), inner.gets.Load())
	assert.Equal(t, int64(1), inner.lists.Load())

	_, ok, _ := c.GetContent(context.Background(), 2)
	assert.False(t, ok)
	_, _, _ = c.GetContent(context.Background(), 2)
	assert.Equal(t, int64(3), inner.gets.Load())

	inner.Put(types.Rule{Id: 1, Content: "v2", Active: true})
	assert.Equal(t, []int64{1}, changed)
	r, _, _ := c.GetContent(context.Background(), 1)
	assert.Equal(t, "v2", r.Content)
	rules, _ := c.ListActive(context.Background())
	assert.Equal(t, "v2", rules[0].Content)
	assert.Equal(t, int64(2), inner.lists.Load())
}

func TestCachedDirectoryTTL(t *testing.T) {
	inner := &countingDirectory{MemoryDirectory: NewMemoryDirectory(types.Rule{Id: 1, Content: "v1", Active: true})}
	c := NewCachedDirectory(inner, WithContentTTL(20*time.Millisecond))
	defer c.Close()
	_, _, _ = c.GetContent(context.Background(), 1)
	assert.Equal(t, 1, c.Len())
	time.Sleep(40 * time.Millisecond)
	_, _, _ = c.GetContent(context.Background(), 1)
	assert.Equal(t, int64(2), inner.gets.Load())
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func openSqlite(t *testing.T, refresh time.Duration) *SqlDirectory {
	d, err := OpenSql(SqlConfig{
		DriverName:      DriverSqlite,
		Dsn:             filepath.Join(t.TempDir(), "rules.db"),
		RefreshInterval: refresh,
	}, &test.RecordingLogger{})
	require.Nil(t, err)
	require.Nil(t, d.EnsureSchema(context.Background()))
	return d
}

func TestSqlDirectory(t *testing.T) {
	d := openSqlite(t, 0)
	defer d.Close()
	ctx := context.Background()

	require.Nil(t, d.Save(ctx, types.Rule{Id: 2, Name: "b", Language: "expr", Content: "data.x > 1", Active: true}))
	require.Nil(t, d.Save(ctx, types.Rule{Id: 1, Name: "a", Content: "function onMessage(m) {}", Active: true}))
	require.Nil(t, d.Save(ctx, types.Rule{Id: 3, Name: "c", Content: "x", Active: false}))

	rules, err := d.ListActive(ctx)
	require.Nil(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, types.Rule{Id: 1, Name: "a", Content: "function onMessage(m) {}", Active: true}, rules[0])
	assert.Equal(t, "expr", rules[1].Language)

	r, ok, err := d.GetContent(ctx, 2)
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "data.x > 1", r.Content)

	_, ok, err = d.GetContent(ctx, 3)
	assert.Nil(t, err)
	assert.False(t, ok)
	_, ok, err = d.GetContent(ctx, 42)
	assert.Nil(t, err)
	assert.False(t, ok)

	var changed []int64
	d.OnRuleChanged(func(ruleId int64) { changed = append(changed, ruleId) })
	require.Nil(t, d.Save(ctx, types.Rule{Id: 2, Name: "b", Language: "expr", Content: "data.x > 2", Active: true}))
	r, _, _ = d.GetContent(ctx, 2)
	assert.Equal(t, "data.x > 2", r.Content)
	require.Nil(t, d.Delete(ctx, 1))
	assert.Equal(t, []int64{2, 1}, changed)
}

func TestSqlDirectoryRefreshDetectsExternalChanges(t *testing.T) {
	d := openSqlite(t, 20*time.Millisecond)
	defer d.Close()
	ctx := context.Background()
	require.Nil(t, d.Save(ctx, types.Rule{Id: 1, Content: "v1", Active: true}))

	var mu sync.Mutex
	var changed []int64
	d.OnRuleChanged(func(ruleId int64) {
		mu.Lock()
		changed = append(changed, ruleId)
		mu.Unlock()
	})
	_, err := d.DB().ExecContext(ctx, `UPDATE cep_rule SET status = 0, updated_at = updated_at + 1 WHERE id = 1`)
	require.Nil(t, err)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) > 0 && changed[0] == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, ok, _ := d.GetContent(ctx, 1)
	assert.False(t, ok)
}

func TestSqlPlaceholders(t *testing.T) {
	d := &SqlDirectory{config: SqlConfig{DriverName: DriverPostgres, Table: "rules"}}
	assert.Equal(t, "SELECT * FROM rules WHERE id = $1 AND status = $2", d.query("SELECT * FROM {table} WHERE id = ? AND status = ?"))
	d.config.DriverName = DriverMysql
	assert.Equal(t, "SELECT * FROM rules WHERE id = ?", d.query("SELECT * FROM {table} WHERE id = ?"))

	_, err := OpenSql(SqlConfig{DriverName: "oracle"}, nil)
	assert.NotNil(t, err)
}

const rulesYaml = `rules:
  - id: 1
    name: overheat
    language: js
    active: true
    content: |
      function onMessage(msg) { return msg.payload; }
  - id: 2
    name: filter
    language: expr
    active: false
    content: data.x > 1
`

func TestFileDirectory(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(rulesYaml), 0644))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	d, err := NewFileDirectory(dir, &test.RecordingLogger{})
	require.Nil(t, err)
	defer d.Close()

	rules, err := d.ListActive(context.Background())
	require.Nil(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "overheat", rules[0].Name)
	assert.Equal(t, "js", rules[0].Language)
	_, ok, _ := d.GetContent(context.Background(), 2)
	assert.False(t, ok)

	var mu sync.Mutex
	var changed []int64
	d.OnRuleChanged(func(ruleId int64) {
		mu.Lock()
		changed = append(changed, ruleId)
		mu.Unlock()
	})
	require.Nil(t, d.Watch(20*time.Millisecond))
	updated := `rules:
  - id: 1
    name: overheat
    language: js
    active: true
    content: |
      function onMessage(msg) { return "changed"; }
`
	require.Nil(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(updated), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changed) == 2
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.ElementsMatch(t, []int64{1, 2}, changed)
	mu.Unlock()
	r, ok, _ := d.GetContent(context.Background(), 1)
	assert.True(t, ok)
	assert.Contains(t, r.Content, "changed")
}

func TestFileDirectoryErrors(t *testing.T) {
	_, err := NewFileDirectory(filepath.Join(t.TempDir(), "missing"), nil)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	dir := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(rulesYaml), 0644))
	require.Nil(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(rulesYaml), 0644))
	_, err = NewFileDirectory(dir, nil)
	assert.NotNil(t, err)
}
