package roborock

import (
	"context"
	"fmt"
	"time"
)

const commandTimeout = 10 * time.Second

// Commands the engine issues. Symbolic names on the wire; the device
// interprets them.
const (
	CmdGetStatus = "get_status"
	CmdAppStart  = "app_start"
	CmdAppCharge = "app_charge"
)

// DeviceClient is a per-device command channel. Implementations differ by
// protocol version but share this contract: transport-level failures come
// back as errors wrapping ErrCommunication, never as panics, so callers
// can treat them as "state temporarily unknown".
type DeviceClient interface {
	SendCommand(ctx context.Context, method string, params any) (any, error)
	GetStatus(ctx context.Context) (DeviceStatus, error)
	Close()
}

// NewDeviceClient builds the protocol-appropriate client for a device.
// Unsupported protocol versions return ErrUnsupportedProtocol: an
// expected, non-fatal outcome during mixed-fleet discovery.
func NewDeviceClient(userData *UserData, device HomeDataDevice, channel wire) (DeviceClient, error) {
	kind, ok := ProtocolFor(device)
	if !ok {
		if kind == ProtocolA01 {
			return nil, fmt.Errorf("%w: %s not yet implemented", ErrUnsupportedProtocol, kind)
		}
		return nil, fmt.Errorf("%w: unknown protocol %q", ErrUnsupportedProtocol, device.ProtocolVersion)
	}
	pubTopic, subTopic := mqttTopics(userData, device.DUID)
	return &v1Client{
		duid:     device.DUID,
		localKey: device.LocalKey,
		pubTopic: pubTopic,
		subTopic: subTopic,
		channel:  channel,
	}, nil
}

// v1Client speaks the classic request/response protocol over the
// account's MQTT channel.
type v1Client struct {
	duid     string
	localKey string
	pubTopic string
	subTopic string
	channel  wire
}

func (c *v1Client) SendCommand(ctx context.Context, method string, params any) (any, error) {
	if params == nil {
		params = []any{}
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	req := requestMessage{
		Method:    method,
		Params:    params,
		RequestID: nextInt(10000, 32767),
		Timestamp: nowTimestamp(),
	}
	payload, err := encodeRequestPayload(req)
	if err != nil {
		return nil, err
	}
	frame, err := encodeFrame(message{
		Protocol: protocolRpcRequest,
		Payload:  payload,
	}, c.localKey)
	if err != nil {
		return nil, err
	}

	respCh := make(chan rpcResponse, 1)
	unsub, err := c.channel.Subscribe(c.subTopic, func(data []byte) {
		msg, err := decodeFrame(data, c.localKey)
		if err != nil {
			return
		}
		switch msg.Protocol {
		case protocolRpcResponse, protocolGeneralResp, protocolGeneralReq:
		default:
			return
		}
		resp, err := decodeResponsePayload(msg.Payload)
		if err != nil {
			return
		}
		if resp.RequestID != 0 && resp.RequestID != req.RequestID {
			return
		}
		select {
		case respCh <- resp:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer unsub()

	if err := c.channel.Publish(c.pubTopic, frame); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrCommunication, method, ctx.Err())
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %s: device error: %v", ErrCommunication, method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *v1Client) GetStatus(ctx context.Context) (DeviceStatus, error) {
	result, err := c.SendCommand(ctx, CmdGetStatus, nil)
	if err != nil {
		return DeviceStatus{}, err
	}
	return decodeStatus(result)
}

// Close is a no-op for V1 clients: the MQTT channel is shared across the
// account's devices and owned by whoever created it.
func (c *v1Client) Close() {}
