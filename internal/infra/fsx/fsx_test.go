package fsx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCommitFileVia_SuccessAndNoTempLeft(t *testing.T) {
	staging := t.TempDir()
	out := t.TempDir()

	dst := filepath.Join(out, "a.xml")
	if err := CommitFileVia(staging, dst, []byte("hello")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}

	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("内容不一致：%q", string(b))
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".a.xml.tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
}

func TestCommitFileVia_Overwrite(t *testing.T) {
	staging := t.TempDir()
	out := t.TempDir()
	dst := filepath.Join(out, "a.xml")

	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatalf("预置旧文件失败：%v", err)
	}
	if err := CommitFileVia(staging, dst, []byte("new")); err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("读取文件失败：%v", err)
	}
	if string(b) != "new" {
		t.Fatalf("应被覆盖为 new，实际：%q", string(b))
	}
}

func TestCommitFileVia_RenameFail_CleanupTempAndNoDst(t *testing.T) {
	staging := t.TempDir()
	out := t.TempDir()
	dst := filepath.Join(out, "a.xml")

	old := renameFunc
	renameFunc = func(oldpath, newpath string) error {
		return os.ErrPermission
	}
	defer func() { renameFunc = old }()

	if err := CommitFileVia(staging, dst, []byte("hello")); err == nil {
		t.Fatalf("期望失败，但得到 nil")
	}

	entries, err := os.ReadDir(staging)
	if err != nil {
		t.Fatalf("ReadDir 失败：%v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".a.xml.tmp-") {
			t.Fatalf("临时文件未清理：%q", e.Name())
		}
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatalf("不应写出最终文件：Stat err=%v", err)
	}
}
