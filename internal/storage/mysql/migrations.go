package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"X402-Chain/deploy/migrations"
	xerrors "X402-Chain/internal/errors"
	"X402-Chain/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
    version VARCHAR(32) NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    checksum CHAR(64) NOT NULL,
    applied_at BIGINT NOT NULL
)`

// Migrate 按版本顺序执行尚未应用的嵌入式迁移脚本。已应用脚本的内容被改动时
// 返回错误，而不是静默跳过。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createMigrationsTable); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 schema_migrations 表失败")
	}

	applied, err := loadAppliedChecksums(ctx, db)
	if err != nil {
		return err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(files, applied)
	if err != nil {
		return err
	}

	log := logger.Named("migrate")
	for _, migration := range pending {
		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
		log.Info("迁移已应用", "version", migration.version, "name", migration.name, "statements", len(migration.statements))
	}
	return nil
}

// pendingMigrations 过滤出未应用的脚本，并核对已应用脚本的摘要。
func pendingMigrations(files []migrationFile, applied map[string]string) ([]migrationFile, error) {
	var pending []migrationFile
	for _, file := range files {
		checksum, ok := applied[file.version]
		if !ok {
			pending = append(pending, file)
			continue
		}
		if checksum != file.checksum {
			return nil, xerrors.New(xerrors.CodeConflict, "迁移 "+file.name+" 在应用后被修改",
				xerrors.WithMetadata("version", file.version),
				xerrors.WithMetadata("applied_checksum", checksum),
				xerrors.WithMetadata("file_checksum", file.checksum))
		}
	}
	return pending, nil
}

func loadAppliedChecksums(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema_migrations 失败")
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 schema_migrations 失败")
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历 schema_migrations 失败")
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, migration migrationFile) error {
	return RetryTx(ctx, db, func(tx *sql.Tx) error {
		for i, stmt := range migration.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err,
					fmt.Sprintf("执行迁移 %s 第 %d 条语句失败", migration.name, i+1))
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`,
			migration.version, migration.name, migration.checksum, time.Now().Unix()); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录迁移版本失败")
		}
		return nil
	})
}

func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	seen := make(map[string]string, len(names))
	var files []migrationFile
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := parseMigrationVersion(name)
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", name, other)
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// splitSQLStatements 去掉整行 "--" 注释后按分号切分。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	name = strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	return name
}
