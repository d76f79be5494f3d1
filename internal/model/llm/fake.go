package llm

import "context"

// FakeClient 测试/离线开发用：按注入函数应答，未注入时返回固定文本
type FakeClient struct {
	Respond func(ctx context.Context, messages []Message) (string, error)
}

func (f *FakeClient) Chat(ctx context.Context, messages []Message) (string, error) {
	if f.Respond != nil {
		return f.Respond(ctx, messages)
	}
	return "ok", nil
}
