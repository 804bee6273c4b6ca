package service

import (
	"errors"

	"github.com/ceyewan/chorus/model"
)

// ErrInvalidRecipient 指定的接收者不是房间的活跃成员
var ErrInvalidRecipient = errors.New("recipient is not an active member")

// ResolveRecipient 计算消息的接收者
//
//   - self 房间（room 为空）：接收者就是发送者
//   - 单聊 content：总是推导为另一个活跃成员，忽略客户端传入的值
//   - 群聊 content：没有接收者
//   - reaction：信任传入值（原消息发送者）
//   - mention：传入值必须是活跃成员，为空时没有接收者
func ResolveRecipient(room *model.Room, members []*model.RoomMember, senderID string, msgType model.MessageType, supplied string) (string, error) {
	if room == nil {
		return senderID, nil
	}

	switch msgType {
	case model.TypeReaction:
		return supplied, nil
	case model.TypeMention:
		if supplied == "" {
			return "", nil
		}
		for _, m := range members {
			if m.UserID == supplied && m.Active() {
				return supplied, nil
			}
		}
		return "", ErrInvalidRecipient
	case model.TypeRoomCreated:
		return "", nil
	}

	if room.IsGroup {
		return "", nil
	}
	for _, m := range members {
		if m.UserID != senderID && m.Active() {
			return m.UserID, nil
		}
	}
	return "", nil
}
