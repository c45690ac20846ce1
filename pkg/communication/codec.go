package communication

import (
	"github.com/morezero/peer-broker/pkg/commsutil"
	"github.com/morezero/peer-broker/pkg/model"
)

// EncodeMessageInfo renders info as message content for the message-info channel.
func EncodeMessageInfo(info model.MessageInfo) (string, error) {
	data, err := commsutil.EncodePayload(info)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeMessageInfo(content string) (model.MessageInfo, error) {
	return commsutil.DecodePayload[model.MessageInfo]([]byte(content))
}
