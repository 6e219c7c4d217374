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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/rulego/cep/api/types"
)

var (
	_ types.RuleDirectory      = (*FileDirectory)(nil)
	_ types.RuleChangeNotifier = (*FileDirectory)(nil)
)

// ruleFile is the YAML layout of one rule file:
//
//	rules:
//	  - id: 1
//	    name: overheat
//	    language: js
//	    active: true
//	    content: |
//	      function onMessage(msg) { ... }
type ruleFile struct {
	Rules []types.Rule `yaml:"rules"`
}

// FileDirectory loads rules from the *.yaml and *.yml files of a folder.
// With Watch, file changes are picked up after a debounce interval and
// subscribers are notified of every rule whose definition changed.
type FileDirectory struct {
	notifier
	path     string
	logger   types.Logger
	debounce time.Duration

	mu    sync.RWMutex
	rules map[int64]types.Rule

	watcher  *fsnotify.Watcher
	timerMu  sync.Mutex
	timer    *time.Timer
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewFileDirectory loads every rule file under path.
func NewFileDirectory(path string, logger types.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		path:     path,
		logger:   types.NewLogger(logger),
		debounce: 100 * time.Millisecond,
		rules:    make(map[int64]types.Rule),
	}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

func isRuleFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

func (d *FileDirectory) load() (map[int64]types.Rule, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, err
	}
	rules := make(map[int64]types.Rule)
	for _, e := range entries {
		if e.IsDir() || !isRuleFile(e.Name()) {
			continue
		}
		file := filepath.Join(d.path, e.Name())
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		var rf ruleFile
		if err := yaml.Unmarshal(b, &rf); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		for _, r := range rf.Rules {
			if _, dup := rules[r.Id]; dup {
				return nil, fmt.Errorf("%s: duplicate rule id %d", file, r.Id)
			}
			rules[r.Id] = r
		}
	}
	return rules, nil
}

// Reload rereads the folder, swaps the rule set and notifies subscribers of
// changed rules. On a parse error the previous rule set is kept.
func (d *FileDirectory) Reload() ([]int64, error) {
	rules, err := d.load()
	if err != nil {
		return nil, err
	}
	var changed []int64
	d.mu.Lock()
	for id, r := range rules {
		if old, ok := d.rules[id]; ok && old != r {
			changed = append(changed, id)
		}
	}
	for id := range d.rules {
		if _, ok := rules[id]; !ok {
			changed = append(changed, id)
		}
	}
	d.rules = rules
	d.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })
	for _, id := range changed {
		d.notify(id)
	}
	return changed, nil
}

func (d *FileDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []types.Rule
	for _, r := range d.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (d *FileDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rules[ruleId]
	if !ok || !r.Active {
		return types.Rule{}, false, nil
	}
	return r, true, nil
}

// Watch starts reloading on file changes until Close.
func (d *FileDirectory) Watch(debounce time.Duration) error {
	if d.watcher != nil {
		return errors.New("file directory already watched")
	}
	if debounce > 0 {
		d.debounce = debounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(d.path); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", d.path, err)
	}
	d.watcher = w
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	go d.watch()
	return nil
}

func (d *FileDirectory) watch() {
	defer close(d.doneCh)
	for {
		select {
		case <-d.stopCh:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !isRuleFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			d.scheduleReload()
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Printf("file directory: watch error: %v", err)
		}
	}
}

// scheduleReload coalesces bursts of file events into one reload.
func (d *FileDirectory) scheduleReload() {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.debounce, func() {
		changed, err := d.Reload()
		if err != nil {
			d.logger.Printf("file directory: reload %s failed: %v", d.path, err)
			return
		}
		if len(changed) > 0 {
			d.logger.Printf("file directory: reloaded %s, changed rules %v", d.path, changed)
		}
	})
}

func (d *FileDirectory) Close() error {
	if d.watcher == nil {
		return nil
	}
	var err error
	d.stopOnce.Do(func() {
		close(d.stopCh)
		<-d.doneCh
		d.timerMu.Lock()
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timerMu.Unlock()
		err = d.watcher.Close()
	})
	return err
}
