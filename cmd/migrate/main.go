package main

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/nemonet1337/hikiateGoFramework/internal/config"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal("ログ初期化に失敗しました:", err)
	}
	defer logger.Sync()

	logger.Info("マイグレーション実行ツールを開始します")

	// 設定読み込み
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("設定読み込みに失敗しました", zap.Error(err))
	}
	if cfg.Database.Driver != "postgres" {
		logger.Fatal("マイグレーションはpostgresドライバーのみ対応しています",
			zap.String("driver", cfg.Database.Driver))
	}

	// データベース接続
	logger.Info("データベースに接続中",
		zap.String("host", cfg.Database.Host),
		zap.Int("port", cfg.Database.Port),
		zap.String("dbname", cfg.Database.DBName),
	)

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		logger.Fatal("データベース接続に失敗しました", zap.Error(err))
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("データベースpingに失敗しました", zap.Error(err))
	}

	// マイグレーションディレクトリの確認
	migrationDir := "migrations"
	if len(os.Args) > 1 {
		migrationDir = os.Args[1]
	}
	if _, err := os.Stat(migrationDir); os.IsNotExist(err) {
		logger.Fatal("マイグレーションディレクトリが見つかりません", zap.String("dir", migrationDir))
	}

	if err := createMigrationTable(db); err != nil {
		logger.Fatal("マイグレーション履歴テーブル作成に失敗しました", zap.Error(err))
	}

	applied, err := runMigrations(db, migrationDir, logger)
	if err != nil {
		logger.Fatal("マイグレーション実行に失敗しました", zap.Error(err))
	}

	logger.Info("すべてのマイグレーションが完了しました", zap.Int("applied", applied))
}

// createMigrationTable マイグレーション履歴テーブルを作成
func createMigrationTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			filename VARCHAR(255) NOT NULL UNIQUE,
			executed_at TIMESTAMP NOT NULL DEFAULT NOW(),
			checksum VARCHAR(64) NOT NULL
		)`

	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("マイグレーション履歴テーブル作成エラー: %w", err)
	}
	return nil
}

// runMigrations applies pending migration files in filename order, one
// transaction per file. Already-applied files are checksum-verified so a
// silently edited migration fails loudly instead of diverging.
// 未適用のマイグレーションをファイル名順に1ファイル1トランザクションで
// 適用する。適用済みファイルはチェックサムを照合し、後から書き換えられ
// たマイグレーションを黙って見過ごさない。
func runMigrations(db *sql.DB, migrationDir string, logger *zap.Logger) (int, error) {
	files, err := filepath.Glob(filepath.Join(migrationDir, "*.sql"))
	if err != nil {
		return 0, fmt.Errorf("マイグレーションファイル検索エラー: %w", err)
	}
	if len(files) == 0 {
		logger.Warn("マイグレーションファイルが見つかりません", zap.String("dir", migrationDir))
		return 0, nil
	}
	sort.Strings(files)

	executed, err := getExecutedMigrations(db)
	if err != nil {
		return 0, fmt.Errorf("実行済みマイグレーション取得エラー: %w", err)
	}

	applied := 0
	for _, file := range files {
		filename := filepath.Base(file)

		content, err := os.ReadFile(file)
		if err != nil {
			return applied, fmt.Errorf("ファイル読み込みエラー %s: %w", filename, err)
		}
		checksum := checksumOf(content)

		if stored, done := executed[filename]; done {
			if stored != checksum {
				return applied, fmt.Errorf("適用済みマイグレーションが変更されています %s: 記録=%s 現在=%s", filename, stored, checksum)
			}
			logger.Info("スキップ (実行済み)", zap.String("file", filename))
			continue
		}

		logger.Info("実行中", zap.String("file", filename))

		tx, err := db.Begin()
		if err != nil {
			return applied, fmt.Errorf("トランザクション開始エラー %s: %w", filename, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("マイグレーション実行エラー %s: %w", filename, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)",
			filename, checksum,
		); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("マイグレーション履歴記録エラー %s: %w", filename, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("トランザクションコミットエラー %s: %w", filename, err)
		}

		logger.Info("完了", zap.String("file", filename), zap.String("checksum", checksum))
		applied++
	}

	return applied, nil
}

// getExecutedMigrations 実行済みマイグレーションとチェックサムを取得
func getExecutedMigrations(db *sql.DB) (map[string]string, error) {
	executed := make(map[string]string)

	rows, err := db.Query("SELECT filename, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, err
		}
		executed[filename] = checksum
	}

	return executed, rows.Err()
}

// checksumOf ファイル内容のSHA-256チェックサムを計算
func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
