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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/rulego/cep/api/types"
)

const (
	DriverMysql    = "mysql"
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"

	DefaultTable = "cep_rule"

	// StatusActive is the status column value of an active rule.
	StatusActive = 1
)

var (
	_ types.RuleDirectory      = (*SqlDirectory)(nil)
	_ types.RuleChangeNotifier = (*SqlDirectory)(nil)
)

// SqlConfig SQL规则目录配置
type SqlConfig struct {
	// DriverName mysql, postgres or sqlite
	DriverName string
	// Dsn 数据库连接配置，参考sql.Open参数
	Dsn string
	// Table defaults to cep_rule
	Table string
	// PoolSize 连接池大小
	PoolSize int
	// QueryTimeout bounds every query. Default 5s.
	QueryTimeout time.Duration
	// RefreshInterval polls the table for changed rules. 0 disables polling.
	RefreshInterval time.Duration
}

// SqlDirectory reads rules from a table with the columns
// id, name, language, content, status and updated_at.
// Rows with status = 1 are active.
type SqlDirectory struct {
	notifier
	config SqlConfig
	db     *sql.DB
	logger types.Logger

	mu sync.Mutex
	// versions maps rule id to "status:updated_at" as of the last refresh
	versions map[int64]string
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// OpenSql connects to the database and, when RefreshInterval is set, starts polling for changes.
func OpenSql(config SqlConfig, logger types.Logger) (*SqlDirectory, error) {
	switch config.DriverName {
	case DriverMysql, DriverPostgres, DriverSqlite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", config.DriverName)
	}
	if config.Table == "" {
		config.Table = DefaultTable
	}
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 5 * time.Second
	}
	db, err := sql.Open(config.DriverName, config.Dsn)
	if err != nil {
		return nil, err
	}
	if config.PoolSize > 0 {
		db.SetMaxOpenConns(config.PoolSize)
		db.SetMaxIdleConns(config.PoolSize/2 + 1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), config.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	d := &SqlDirectory{
		config:   config,
		db:       db,
		logger:   types.NewLogger(logger),
		versions: make(map[int64]string),
		stopCh:   make(chan struct{}),
	}
	if config.RefreshInterval > 0 {
		if err := d.Refresh(context.Background()); err != nil {
			d.logger.Printf("sql directory: initial refresh failed: %v", err)
		}
		d.wg.Add(1)
		go d.poll()
	}
	return d, nil
}

func (d *SqlDirectory) DB() *sql.DB {
	return d.db
}

// query rewrites ? placeholders for postgres.
func (d *SqlDirectory) query(q string) string {
	q = strings.ReplaceAll(q, "{table}", d.config.Table)
	if d.config.DriverName != DriverPostgres {
		return q
	}
	var b strings.Builder
	n := 1
	for _, r := range q {
		if r == '?' {
			b.WriteString(fmt.Sprintf("$%d", n))
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EnsureSchema creates the rule table when it does not exist.
func (d *SqlDirectory) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	_, err := d.db.ExecContext(ctx, d.query(`CREATE TABLE IF NOT EXISTS {table} (
	id BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT '',
	language VARCHAR(32) NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	status INT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0
)`))
	return err
}

func (d *SqlDirectory) ListActive(ctx context.Context) ([]types.Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	rows, err := d.db.QueryContext(ctx, d.query(`SELECT id, name, language, content FROM {table} WHERE status = ? ORDER BY id`), StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []types.Rule
	for rows.Next() {
		r := types.Rule{Active: true}
		if err := rows.Scan(&r.Id, &r.Name, &r.Language, &r.Content); err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (d *SqlDirectory) GetContent(ctx context.Context, ruleId int64) (types.Rule, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	var r types.Rule
	var status int
	err := d.db.QueryRowContext(ctx, d.query(`SELECT id, name, language, content, status FROM {table} WHERE id = ?`), ruleId).
		Scan(&r.Id, &r.Name, &r.Language, &r.Content, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Rule{}, false, nil
	}
	if err != nil {
		return types.Rule{}, false, err
	}
	if status != StatusActive {
		return types.Rule{}, false, nil
	}
	r.Active = true
	return r, true, nil
}

// Save inserts or updates a rule and notifies subscribers.
func (d *SqlDirectory) Save(ctx context.Context, rule types.Rule) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	status := 0
	if rule.Active {
		status = StatusActive
	}
	now := time.Now().UnixNano()
	res, err := d.db.ExecContext(ctx, d.query(`UPDATE {table} SET name = ?, language = ?, content = ?, status = ?, updated_at = ? WHERE id = ?`),
		rule.Name, rule.Language, rule.Content, status, now, rule.Id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		_, err = d.db.ExecContext(ctx, d.query(`INSERT INTO {table} (id, name, language, content, status, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
			rule.Id, rule.Name, rule.Language, rule.Content, status, now)
		if err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.versions[rule.Id] = fmt.Sprintf("%d:%d", status, now)
	d.mu.Unlock()
	d.notify(rule.Id)
	return nil
}

func (d *SqlDirectory) Delete(ctx context.Context, ruleId int64) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	if _, err := d.db.ExecContext(ctx, d.query(`DELETE FROM {table} WHERE id = ?`), ruleId); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.versions, ruleId)
	d.mu.Unlock()
	d.notify(ruleId)
	return nil
}

// Refresh compares every row's status and updated_at with the previous
// refresh and notifies subscribers of rules that changed or disappeared.
func (d *SqlDirectory) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.config.QueryTimeout)
	defer cancel()
	rows, err := d.db.QueryContext(ctx, d.query(`SELECT id, status, updated_at FROM {table}`))
	if err != nil {
		return err
	}
	current := make(map[int64]string)
	for rows.Next() {
		var id, updatedAt int64
		var status int
		if err := rows.Scan(&id, &status, &updatedAt); err != nil {
			rows.Close()
			return err
		}
		current[id] = fmt.Sprintf("%d:%d", status, updatedAt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var changed []int64
	d.mu.Lock()
	for id, v := range current {
		if old, ok := d.versions[id]; ok && old != v {
			changed = append(changed, id)
		}
	}
	for id := range d.versions {
		if _, ok := current[id]; !ok {
			changed = append(changed, id)
		}
	}
	d.versions = current
	d.mu.Unlock()

	for _, id := range changed {
		d.notify(id)
	}
	return nil
}

func (d *SqlDirectory) poll() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			if err := d.Refresh(context.Background()); err != nil {
				d.logger.Printf("sql directory: refresh failed: %v", err)
			}
		}
	}
}

func (d *SqlDirectory) Close() error {
	d.once.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()
	return d.db.Close()
}
