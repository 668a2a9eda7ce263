package config

import (
	"os"
	"strings"

	"github.com/danmuck/nodus/internal/faults"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "definition":
		return definitionTemplate, nil
	default:
		return "", faults.Errorf(faults.InvalidConfig, faults.Data{"kind": kind}, "unknown template kind %q", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return faults.Errorf(faults.InvalidConfig, faults.Data{"file": path}, "config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `name = "nodus"

[log]
level = "info"

[ipc]
ready_timeout = "5s"
request_timeout = "30s"
stop_timeout = "5s"
sweep_interval = "1s"

[services.helloworld]
provider = "./bin/helloworld"
definition = "helloworld.json"

[interfaces.api]
type = "rest"
host = "localhost"
port = 3000
cors_origins = ["http://localhost:3000"]

[interfaces.stream]
type = "websocket"
port = 3001
path = "/ws"
`

const definitionTemplate = `{
  "name": "helloworld",
  "description": "Greets people",
  "version": "1.0.0",
  "commands": {
    "sayhello": {
      "description": "Say hello to someone",
      "parameters": [
        {"name": "name", "required": true, "description": "Who to greet"}
      ]
    }
  }
}
`
