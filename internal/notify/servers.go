package notify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// SMTPサーバー設定の既定値
const (
	DefaultSMTPPort = 587
	DefaultPoolSize = 2
)

// ServerConfig は1台のSMTPサーバーの接続設定。
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

// ServerList はSMTP_CONFIG_FILEで指定するYAMLファイルの構造。
//
//	from: "Support <noreply@example.com>"
//	servers:
//	  - host: smtp1.example.com
//	    port: 587
//	    username: mailer
//	    password: secret
type ServerList struct {
	From    string         `yaml:"from"`
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServerList はYAMLファイルからSMTPサーバー一覧を読み込む。
func LoadServerList(path string) (*ServerList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read smtp config file: %w", err)
	}
	return ParseServerList(data)
}

// ParseServerList はYAMLを解析し、未知のキーや不足している項目をエラーにする。
// port・pool_sizeが未指定の場合は既定値を設定する。
func ParseServerList(data []byte) (*ServerList, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var list ServerList
	if err := dec.Decode(&list); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("smtp config file is empty")
		}
		return nil, fmt.Errorf("failed to parse smtp config file: %w", err)
	}

	if len(list.Servers) == 0 {
		return nil, errors.New("smtp config file has no servers")
	}
	for i := range list.Servers {
		s := &list.Servers[i]
		if s.Host == "" {
			return nil, fmt.Errorf("smtp server %d: host is required", i)
		}
		if s.Port == 0 {
			s.Port = DefaultSMTPPort
		}
		if s.PoolSize <= 0 {
			s.PoolSize = DefaultPoolSize
		}
	}
	return &list, nil
}
