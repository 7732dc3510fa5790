/*
Copyright 2025 FlowGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package backups

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/flowguard-io/flowguard/config"
)

// BackupManager runs pg_dump backups of the rule and audit store and
// optionally ships the archives to S3.
type BackupManager struct {
	Config   *config.Configuration
	S3Client *s3.Client
}

// NewBackupManager builds a BackupManager from the global configuration.
// The S3 client is only constructed when credentials are configured.
func NewBackupManager() (*BackupManager, error) {
	conf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	bm := &BackupManager{Config: conf}

	if conf.AwsAccessKeyId != "" && conf.AwsSecretAccessKey != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(conf.S3Region),
			awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(conf.AwsAccessKeyId, conf.AwsSecretAccessKey, "")),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		bm.S3Client = s3.NewFromConfig(awsCfg)
	}

	return bm, nil
}

// BackupToDisk writes a pg_dump of the configured database under the backup
// directory and returns the path of the dump file.
func (bm *BackupManager) BackupToDisk(ctx context.Context) (string, error) {
	db, err := sql.Open("postgres", bm.Config.DataSource.Dns)
	if err != nil {
		return "", fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return "", fmt.Errorf("failed to ping database: %w", err)
	}

	var dbSize string
	err = db.QueryRowContext(ctx, "SELECT pg_size_pretty(pg_database_size(current_database()))").Scan(&dbSize)
	if err != nil {
		return "", err
	}
	fmt.Printf("Database size: %s\n", dbSize)

	today := time.Now().Format("2006-01-02")
	currentTime := time.Now().Format("150405") // HHMMSS format
	backupDir := filepath.Join(bm.Config.BackupDir, today)

	if err := os.MkdirAll(backupDir, os.ModePerm); err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(bm.Config.DataSource.Dns)
	if err != nil {
		return "", err
	}

	dbUser := parsedURL.User.Username()
	dbPassword, _ := parsedURL.User.Password()
	dbHost, dbPort, err := net.SplitHostPort(parsedURL.Host)
	if err != nil {
		return "", err
	}
	dbName := "flowguard"
	backupFilePath := filepath.Join(backupDir, fmt.Sprintf("flowguard-%s-backup.sql", currentTime))
	cmd := exec.CommandContext(ctx, "pg_dump", "-U", dbUser, "-d", dbName, "-f", backupFilePath)
	cmd.Env = append(os.Environ(), "PGHOST="+dbHost, "PGPORT="+dbPort, "PGUSER="+dbUser, "PGPASSWORD="+dbPassword)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pg_dump failed: %v\n", err)
		fmt.Fprintf(os.Stderr, "pg_dump stderr: %v\n", stderr.String())
		return "", err
	}

	fmt.Printf("Backup successful: %s\n", backupFilePath)
	return backupFilePath, nil
}

// BackupToS3 makes a disk backup, zips the day's directory and uploads the
// archive to the configured bucket.
func (bm *BackupManager) BackupToS3(ctx context.Context) error {
	backupFilePath, err := bm.BackupToDisk(ctx)
	if err != nil {
		return fmt.Errorf("failed to backup to disk: %w", err)
	}

	dirToZip := filepath.Dir(backupFilePath)
	zipFile := filepath.Base(dirToZip) + ".zip"

	if err := zipDir(dirToZip, zipFile); err != nil {
		return err
	}

	if err := bm.uploadToS3(ctx, zipFile); err != nil {
		return err
	}

	if err := os.Remove(zipFile); err != nil {
		return err
	}

	fmt.Println("Backup", zipFile, "uploaded to S3.")
	return nil
}

func (bm *BackupManager) uploadToS3(ctx context.Context, filePath string) error {
	if bm.S3Client == nil {
		return fmt.Errorf("S3 client is not configured")
	}

	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = bm.S3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bm.Config.S3BucketName),
		Key:    aws.String(filepath.Base(filePath)),
		Body:   file,
	})
	return err
}

func zipDir(srcDir, destZip string) error {
	zipFile, err := os.Create(destZip)
	if err != nil {
		return err
	}
	defer zipFile.Close()

	writer := zip.NewWriter(zipFile)
	defer writer.Close()

	return filepath.Walk(srcDir, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relPath := filePath[len(srcDir)+1:]
		zipFileWriter, err := writer.Create(relPath)
		if err != nil {
			return err
		}

		srcFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer srcFile.Close()

		_, err = io.Copy(zipFileWriter, srcFile)
		return err
	})
}
