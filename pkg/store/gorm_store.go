package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const migrateLockID int64 = 52417421

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&StoredFileModel{},
			&DocumentModel{},
			&RawLineModel{},
			&DocumentLineDetailModel{},
			&ImageLineDetailModel{},
			&AudioLineDetailModel{},
			&AutotagTaskModel{},
			&DocumentPermissionModel{},
			&TagModel{},
			&DocumentTagModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'documents'
					AND constraint_name = 'documents_stored_file_id_fkey'
				) THEN
					ALTER TABLE documents
					ADD CONSTRAINT documents_stored_file_id_fkey
					FOREIGN KEY (stored_file_id) REFERENCES stored_files(id) ON DELETE RESTRICT;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'raw_lines'
					AND constraint_name = 'raw_lines_doc_id_fkey'
				) THEN
					ALTER TABLE raw_lines
					ADD CONSTRAINT raw_lines_doc_id_fkey
					FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'lines_document'
					AND constraint_name = 'lines_document_line_id_fkey'
				) THEN
					ALTER TABLE lines_document
					ADD CONSTRAINT lines_document_line_id_fkey
					FOREIGN KEY (line_id) REFERENCES raw_lines(id) ON DELETE CASCADE;
				END IF;
				-- lines_image cascades from documents, not raw_lines: caption
				-- results are keyed by (doc_id, image_hash) and must survive a
				-- clear-and-reimport of the line set.
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'lines_image'
					AND constraint_name = 'lines_image_doc_id_fkey'
				) THEN
					ALTER TABLE lines_image
					ADD CONSTRAINT lines_image_doc_id_fkey
					FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'lines_audio'
					AND constraint_name = 'lines_audio_line_id_fkey'
				) THEN
					ALTER TABLE lines_audio
					ADD CONSTRAINT lines_audio_line_id_fkey
					FOREIGN KEY (line_id) REFERENCES raw_lines(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'autotag_tasks'
					AND constraint_name = 'autotag_tasks_doc_id_fkey'
				) THEN
					ALTER TABLE autotag_tasks
					ADD CONSTRAINT autotag_tasks_doc_id_fkey
					FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'document_permissions'
					AND constraint_name = 'document_permissions_doc_id_fkey'
				) THEN
					ALTER TABLE document_permissions
					ADD CONSTRAINT document_permissions_doc_id_fkey
					FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'document_tags'
					AND constraint_name = 'document_tags_doc_id_fkey'
				) THEN
					ALTER TABLE document_tags
					ADD CONSTRAINT document_tags_doc_id_fkey
					FOREIGN KEY (doc_id) REFERENCES documents(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// lockDocument serializes structural mutations to one document's lines
// without blocking unrelated documents. Released at transaction end.
func lockDocument(tx *gorm.DB, docID string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", docID).Error
}
