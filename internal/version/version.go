package version

import (
	"encoding/json"
)

var (
	BuildDate string

	BuildVersion string

	GoVersion string
)

type sinkVersion struct {
	Version   string `json:"version"`
	BuildDate string `json:"buildDate"`
	GoVersion string `json:"goVersion"`
}

func GetVersion() (string, error) {
	sv := sinkVersion{
		Version:   BuildVersion,
		BuildDate: BuildDate,
		GoVersion: GoVersion,
	}

	res, err := json.Marshal(sv)
	if err != nil {
		return "", err
	}

	return string(res), nil
}
