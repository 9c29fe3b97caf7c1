package engine

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// httpClient is shared by every VM. Scripts only get GET; the checker
// context is read-only by contract.
var httpClient = &http.Client{Timeout: 5 * time.Second}

// installModules populates a fresh VM with the opted-in host modules.
// The base language (strings, numbers, collections, native JSON) is
// always available; everything that can reach outside the VM is opt-in.
func (e *Engine) installModules(vm *goja.Runtime) error {
	for _, m := range e.opts.Modules {
		var err error
		switch m {
		case ModuleCrypto:
			err = installCrypto(vm)
		case ModuleJSON:
			err = installJSON(vm)
		case ModuleTOML:
			err = installTOML(vm)
		case ModuleHTTP:
			err = installHTTP(vm)
		case ModuleProcess:
			err = installProcess(vm)
		default:
			err = errs.New(errs.BadRequest, "unknown engine module %q", m)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func installCrypto(vm *goja.Runtime) error {
	hexSum := func(sum []byte) string { return hex.EncodeToString(sum) }
	return vm.Set("crypto", map[string]interface{}{
		"md5": func(s string) string {
			sum := md5.Sum([]byte(s))
			return hexSum(sum[:])
		},
		"sha1": func(s string) string {
			sum := sha1.Sum([]byte(s))
			return hexSum(sum[:])
		},
		"sha256": func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return hexSum(sum[:])
		},
		"hmac_sha256": func(key, s string) string {
			mac := hmac.New(sha256.New, []byte(key))
			mac.Write([]byte(s))
			return hexSum(mac.Sum(nil))
		},
		"uuid": func() string {
			return uuid.NewString()
		},
	})
}

func installJSON(vm *goja.Runtime) error {
	return vm.Set("json", map[string]interface{}{
		"parse": func(s string) (interface{}, error) {
			var v interface{}
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		"stringify": func(v interface{}) (string, error) {
			data, err := json.Marshal(v)
			return string(data), err
		},
	})
}

func installTOML(vm *goja.Runtime) error {
	return vm.Set("toml", map[string]interface{}{
		"parse": func(s string) (interface{}, error) {
			var v map[string]interface{}
			if err := toml.Unmarshal([]byte(s), &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
}

func installHTTP(vm *goja.Runtime) error {
	return vm.Set("http", map[string]interface{}{
		"get": func(url string) (map[string]interface{}, error) {
			resp, err := httpClient.Get(url)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status": resp.StatusCode,
				"body":   string(body),
			}, nil
		},
	})
}

// installProcess is never part of the checker context. It exists for
// trusted operator tooling that reuses the engine.
func installProcess(vm *goja.Runtime) error {
	return vm.Set("process", map[string]interface{}{
		"env": func(name string) string {
			return os.Getenv(name)
		},
		"exec": func(cmd string, args ...string) (map[string]interface{}, error) {
			out, err := exec.Command(cmd, args...).CombinedOutput()
			status := 0
			if exitErr, ok := err.(*exec.ExitError); ok {
				status = exitErr.ExitCode()
			} else if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"status": status,
				"output": string(out),
			}, nil
		},
	})
}
