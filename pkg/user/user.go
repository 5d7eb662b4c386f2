package user

type User struct {
	Id          int
	Uid         string
	DisplayName string
	Email       string
	Settings    Settings
}

type Settings struct {
	Timezone          string
	DefaultCalendarId string
}
