package ssh

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
)

// PushFile uploads a local file to remotePath, creating parent directories.
func (c *Conn) PushFile(localPath, remotePath string) error {
	if err := c.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	return nil
}

// WriteFile writes data to remotePath, creating parent directories.
func (c *Conn) WriteFile(remotePath string, data []byte) error {
	if err := c.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	f, err := c.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write remote: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close remote: %w", err)
	}
	return nil
}

// ReadFile returns the content of remotePath; found is false when it does
// not exist.
func (c *Conn) ReadFile(remotePath string) (data []byte, found bool, err error) {
	f, err := c.sftp.Open(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open remote: %w", err)
	}
	defer f.Close()
	data, err = io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("read remote: %w", err)
	}
	return data, true, nil
}

// ReadDir lists remotePath; found is false when it does not exist.
func (c *Conn) ReadDir(remotePath string) (entries []fs.FileInfo, found bool, err error) {
	entries, err = c.sftp.ReadDir(remotePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read remote dir: %w", err)
	}
	return entries, true, nil
}

func (c *Conn) MkdirAll(remotePath string) error {
	if err := c.sftp.MkdirAll(remotePath); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	return nil
}

// Remove deletes remotePath. A missing file is not an error.
func (c *Conn) Remove(remotePath string) error {
	err := c.sftp.Remove(remotePath)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove remote: %w", err)
}
