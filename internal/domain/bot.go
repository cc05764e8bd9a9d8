package domain

type BotInfo struct {
	Family string `json:"family"`
	Name   string `json:"bot_name"`
	Desc   string `json:"desc"`
}
