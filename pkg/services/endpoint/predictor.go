package endpoint

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime"
	"github.com/aws/aws-sdk-go/service/sagemakerruntime/sagemakerruntimeiface"
	"github.com/pkg/errors"

	"sagemaker-adapter/pkg/monitor"
	"sagemaker-adapter/pkg/utils"
)

// Serializer 将请求数据编码为端点接受的格式
type Serializer interface {
	ContentType() string
	Serialize(data interface{}) ([]byte, error)
}

// Deserializer 解码端点的响应
type Deserializer interface {
	Accept() string
	Deserialize(body []byte, contentType string) (interface{}, error)
}

// CSVSerializer 支持 [][]string、[]string、[]float64、[][]float64，string 和 []byte 原样发送
type CSVSerializer struct{}

func (CSVSerializer) ContentType() string { return utils.ContentTypeCSV }

func (CSVSerializer) Serialize(data interface{}) ([]byte, error) {
	var rows [][]string
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case [][]string:
		rows = v
	case []string:
		rows = [][]string{v}
	case []float64:
		rows = [][]string{formatFloats(v)}
	case [][]float64:
		for _, row := range v {
			rows = append(rows, formatFloats(row))
		}
	default:
		return nil, fmt.Errorf("csv serializer does not support %T", data)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func formatFloats(values []float64) []string {
	out := make([]string, len(values))
	for i, f := range values {
		out[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return out
}

type JSONSerializer struct{}

func (JSONSerializer) ContentType() string { return utils.ContentTypeJSON }

func (JSONSerializer) Serialize(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	}
	return json.Marshal(data)
}

type JSONDeserializer struct{}

func (JSONDeserializer) Accept() string { return utils.ContentTypeJSON }

func (JSONDeserializer) Deserialize(body []byte, _ string) (interface{}, error) {
	var out interface{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode json response: %v", err)
	}
	return out, nil
}

// CSVDeserializer 返回 [][]string
type CSVDeserializer struct{}

func (CSVDeserializer) Accept() string { return utils.ContentTypeCSV }

func (CSVDeserializer) Deserialize(body []byte, _ string) (interface{}, error) {
	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("decode csv response: %v", err)
	}
	return rows, nil
}

type StringDeserializer struct{}

func (StringDeserializer) Accept() string { return "*/*" }

func (StringDeserializer) Deserialize(body []byte, _ string) (interface{}, error) {
	return string(body), nil
}

// SerializerFor 根据 content type 选择序列化器
func SerializerFor(contentType string) (Serializer, error) {
	switch strings.ToLower(contentType) {
	case "", utils.ContentTypeCSV, "csv":
		return CSVSerializer{}, nil
	case utils.ContentTypeJSON, "json":
		return JSONSerializer{}, nil
	default:
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}
}

// DeserializerFor 根据 accept 选择反序列化器
func DeserializerFor(accept string) (Deserializer, error) {
	switch strings.ToLower(accept) {
	case "", utils.ContentTypeJSON, "json":
		return JSONDeserializer{}, nil
	case utils.ContentTypeCSV, "csv":
		return CSVDeserializer{}, nil
	case "*/*", "text/plain", "string":
		return StringDeserializer{}, nil
	default:
		return nil, fmt.Errorf("unsupported accept type %q", accept)
	}
}

// Predictor 调用在线推理端点
type Predictor struct {
	api          sagemakerruntimeiface.SageMakerRuntimeAPI
	Endpoint     string
	Serializer   Serializer
	Deserializer Deserializer
}

// NewPredictor 默认发送 CSV、按 JSON 解析响应
func NewPredictor(api sagemakerruntimeiface.SageMakerRuntimeAPI, endpoint string) *Predictor {
	return &Predictor{
		api:          api,
		Endpoint:     endpoint,
		Serializer:   CSVSerializer{},
		Deserializer: JSONDeserializer{},
	}
}

// Predict 编码 data、调用端点并解码响应
func (p *Predictor) Predict(ctx context.Context, data interface{}) (interface{}, error) {
	body, err := p.Serializer.Serialize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrInvalidConfig, err)
	}
	raw, contentType, err := p.Invoke(ctx, body)
	if err != nil {
		return nil, err
	}
	return p.Deserializer.Deserialize(raw, contentType)
}

// Invoke 发送已编码的请求体，返回原始响应
func (p *Predictor) Invoke(ctx context.Context, body []byte) ([]byte, string, error) {
	out, err := p.api.InvokeEndpointWithContext(ctx, &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(p.Endpoint),
		ContentType:  aws.String(p.Serializer.ContentType()),
		Accept:       aws.String(p.Deserializer.Accept()),
		Body:         body,
	})
	if err != nil {
		monitor.PlatformCallErrors.WithLabelValues("InvokeEndpoint").Inc()
		return nil, "", errors.Wrapf(err, "invoke endpoint %s", p.Endpoint)
	}
	return out.Body, aws.StringValue(out.ContentType), nil
}
