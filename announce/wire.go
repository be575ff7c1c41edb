package announce

import (
	"encoding/json"

	"github.com/dignet/dignode/common"
)

func marshalAnnouncement(w common.AnnouncementWire) ([]byte, error) {
	return json.Marshal(w)
}

func unmarshalAnnouncement(raw []byte) (common.AnnouncementWire, error) {
	var w common.AnnouncementWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return common.AnnouncementWire{}, common.NewError("announce.unmarshalAnnouncement", common.ErrProtocol, err)
	}
	return w, nil
}
