// Package grpcclient implements a detection engine backed by an inference
// sidecar reachable over gRPC.
//
// The sidecar exposes a single unary method taking and returning
// google.protobuf.Struct messages, so no generated stubs are required:
//
//	request:  {"model": string, "image": base64 JPEG, "conf": number}
//	response: {"detections": [{"label": string, "confidence": number,
//	            "box": {"x1","y1","x2","y2"} | [x1, y1, x2, y2]}]}
package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ecosort-vision/internal/detector"
	"github.com/example/ecosort-vision/internal/imagecodec"
	"github.com/example/ecosort-vision/internal/logging"
)

// DetectMethod is the full gRPC method name served by the sidecar.
const DetectMethod = "/ecosort.detector.v1.Detector/Detect"

// Engine is a detector.Engine talking to the sidecar.
type Engine struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

var _ detector.Engine = (*Engine)(nil)

// DialDetector connects to the sidecar at addr and blocks until the connection
// is ready or ctx expires.
func DialDetector(ctx context.Context, addr, model string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*Engine, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_detector", "", err)
		logger.Error("failed to dial detector", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}
	engine := NewEngine(conn, model, timeout, logger)
	engine.closer = conn.Close
	return engine, nil
}

// NewEngine wraps an existing connection.
func NewEngine(conn grpc.ClientConnInterface, model string, timeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		conn:    conn,
		model:   model,
		timeout: timeout,
		logger:  logger.Named("grpc_detector"),
	}
}

// Detect sends img to the sidecar and converts its reply.
func (e *Engine) Detect(ctx context.Context, img *image.NRGBA, confidence float64) ([]detector.Detection, error) {
	encoded, err := imagecodec.EncodeJPEG(img)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_image", "", err)
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"model": e.model,
		"image": base64.StdEncoding.EncodeToString(encoded),
		"conf":  confidence,
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", "", err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, DetectMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.detect", "", err)
		e.logger.Error("detector call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return parseDetections(resp)
}

// Close releases the connection if the engine owns it.
func (e *Engine) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer()
}

func parseDetections(resp *structpb.Struct) ([]detector.Detection, error) {
	field, ok := resp.GetFields()["detections"]
	if !ok {
		return []detector.Detection{}, nil
	}
	list := field.GetListValue()
	if list == nil {
		return nil, logging.NewOperationError("grpcclient.parse_response", "", errors.New("detections is not a list"))
	}

	out := make([]detector.Detection, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		fields := v.GetStructValue().GetFields()
		if fields == nil {
			continue
		}
		out = append(out, detector.Detection{
			Label:      fields["label"].GetStringValue(),
			Confidence: fields["confidence"].GetNumberValue(),
			Box:        parseBox(fields["box"]),
		})
	}
	return out, nil
}

func parseBox(v *structpb.Value) *detector.Box {
	if v == nil {
		return nil
	}
	if list := v.GetListValue(); list != nil {
		values := list.GetValues()
		if len(values) != 4 {
			return nil
		}
		return &detector.Box{
			X1: values[0].GetNumberValue(),
			Y1: values[1].GetNumberValue(),
			X2: values[2].GetNumberValue(),
			Y2: values[3].GetNumberValue(),
		}
	}
	fields := v.GetStructValue().GetFields()
	if fields == nil {
		return nil
	}
	return &detector.Box{
		X1: fields["x1"].GetNumberValue(),
		Y1: fields["y1"].GetNumberValue(),
		X2: fields["x2"].GetNumberValue(),
		Y2: fields["y2"].GetNumberValue(),
	}
}
