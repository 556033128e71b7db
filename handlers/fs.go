// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package handlers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/gdamore/devvisor/chain"
)

// Mkdir creates a directory and any missing parents.
func Mkdir(env Env, dir chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		d, err := dir.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "mkdir %q", d)
		return os.MkdirAll(d, 0755)
	})
}

// Rmdir removes an empty directory.
func Rmdir(env Env, dir chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		d, err := dir.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "rmdir %q", d)
		info, err := os.Stat(d)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("Not a directory: %s", d)
		}
		return os.Remove(d)
	})
}

// Rm removes a file, or with recursive a whole tree.  With force a
// missing path is not an error.
func Rm(env Env, path chain.Value[string], recursive, force bool) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		p, err := path.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "rm %q", p)
		if _, err := os.Lstat(p); err != nil {
			if force && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if recursive {
			return os.RemoveAll(p)
		}
		return os.Remove(p)
	})
}

// ReadFile stores the contents of a file under saveTo, as bytes.
func ReadFile(env Env, path chain.Value[string], saveTo string) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		p, err := path.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "readfile %q", p)
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		e.Set(saveTo, b)
		return nil
	})
}

// WriteFile replaces the contents of a file.
func WriteFile(env Env, path, content chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		p, err := path.Resolve(e)
		if err != nil {
			return err
		}
		data, err := content.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "writefile %q", p)
		return os.WriteFile(p, []byte(data), 0644)
	})
}

// CopyFile copies src to dst, replacing dst if it exists.  The file mode
// is preserved.
func CopyFile(env Env, src, dst chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		s, err := src.Resolve(e)
		if err != nil {
			return err
		}
		d, err := dst.Resolve(e)
		if err != nil {
			return err
		}
		announce(env, e, "copyfile %q -> %q", s, d)
		return copyFile(s, d)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Chmod changes the permission bits of a file.  The mode is octal, as in
// "0755".
func Chmod(env Env, path, mode chain.Value[string]) chain.Handler {
	return chain.Handle(func(_ context.Context, e *chain.Event) error {
		p, err := path.Resolve(e)
		if err != nil {
			return err
		}
		m, err := mode.Resolve(e)
		if err != nil {
			return err
		}
		bits, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return fmt.Errorf("Bad file mode %q: %w", m, err)
		}
		announce(env, e, "chmod %q %s", p, m)
		return os.Chmod(p, os.FileMode(bits))
	})
}
