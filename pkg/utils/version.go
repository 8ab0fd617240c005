package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
)

const (
	Version = "1.2.0"
)

var (
	GitCommit = "UnKnown"
	BuildTime = "Unknown"
)

var AdapterStartTime = time.Now()

func SetAdapterStartTime(t time.Time) {
	AdapterStartTime = t
}

func GetVersion() string {
	return fmt.Sprintf("Adapter Version: %s-%s\nBuild Time: %s\nAWS SDK: %s", Version, GitCommit, BuildTime, aws.SDKVersion)
}

func VersionTemplate() string {
	return `{{.Version}}` + "\n"
}

// VersionParts 拆分语义化版本号，格式错误时返回 ok=false
func VersionParts() (major, minor, patch uint32, ok bool) {
	versionSlice := strings.Split(Version, ".")
	if len(versionSlice) != 3 {
		return 0, 0, 0, false
	}
	nums := make([]uint32, 3)
	for i, s := range versionSlice {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = uint32(n)
	}
	return nums[0], nums[1], nums[2], true
}
