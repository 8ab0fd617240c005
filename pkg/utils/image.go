package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/distribution/reference"
)

type ImageRef struct {
	Image         string // fully normalized reference
	ServerAddress string // registry host[:port]
	Repository    string
	Tag           string
	Digest        string
}

// ECRRegistry 解析后的 ECR 仓库地址
type ECRRegistry struct {
	Account string
	Region  string
}

var ecrHostRE = regexp.MustCompile(`^(\d{12})\.dkr\.ecr(?:-fips)?\.([a-z0-9-]+)\.amazonaws\.com(?:\.cn)?$`)

// NormalizeImageRef parses a training or serving image URI. Familiar Docker
// names are expanded; a reference without tag or digest gets ":latest".
func NormalizeImageRef(input string) (ImageRef, error) {
	in := strings.TrimSpace(input)
	if in == "" {
		return ImageRef{}, fmt.Errorf("image reference is empty")
	}

	named, err := reference.ParseDockerRef(in)
	if err != nil {
		return ImageRef{}, err
	}

	ref := ImageRef{
		Image:         named.String(),
		ServerAddress: reference.Domain(named),
		Repository:    reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		ref.Digest = digested.Digest().String()
	}
	return ref, nil
}

// ECR 判断镜像是否位于 ECR，并返回账号与区域
func (r ImageRef) ECR() (ECRRegistry, bool) {
	m := ecrHostRE.FindStringSubmatch(r.ServerAddress)
	if m == nil {
		return ECRRegistry{}, false
	}
	return ECRRegistry{Account: m[1], Region: m[2]}, true
}
