// Package texts is the ru/en message catalog.
package texts

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/language"
)

const (
	LangRU = "ru"
	LangEN = "en"
)

var supported = []language.Tag{language.Russian, language.English}

var matcher = language.NewMatcher(supported)

// Match maps a client language code ("en-US", "uk", "") onto a catalog
// language; codes with no match at all fall back to def.
func Match(code, def string) string {
	if code == "" {
		return def
	}
	tag, err := language.Parse(code)
	if err != nil {
		return def
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return def
	}
	base, _ := supported[idx].Base()
	return base.String()
}

// Supported reports whether lang has its own catalog.
func Supported(lang string) bool {
	_, ok := catalog[lang]
	return ok
}

// T renders key in lang, falling back to Russian and then to the key
// itself. Placeholders are {name}; args are name/value pairs.
func T(lang, key string, args ...any) string {
	s, ok := catalog[lang][key]
	if !ok {
		if s, ok = catalog[LangRU][key]; !ok {
			s = key
		}
	}
	if len(args) < 2 {
		return s
	}
	pairs := make([]string, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		pairs = append(pairs, "{"+fmt.Sprint(args[i])+"}", fmt.Sprint(args[i+1]))
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// Keys lists every key of the Russian catalog, sorted.
func Keys() []string {
	out := make([]string, 0, len(catalog[LangRU]))
	for k := range catalog[LangRU] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var catalog = map[string]map[string]string{
	LangRU: {
		"choose_lang": "Выберите язык / Choose language:",
		"lang_ru":     "🇷🇺 Русский",
		"lang_en":     "🇬🇧 English",
		"lang_set":    "✅ Язык выбран",

		"welcome_menu":       "Привет! 👋\nЯ бот, который умеет скачивать и уникализировать видео.\n\nВыбери действие кнопками ниже:",
		"btn_menu_download":  "Скачать видео",
		"btn_menu_unique":    "Уникализатор",
		"send_link_download": "Пришли ссылку на видео (TikTok / Reels / Shorts) — я скачаю и отправлю оригинал.",
		"send_link_unique":   "Пришли ссылку на видео (TikTok / Reels / Shorts) — я скачаю и отправлю уникализированное.",

		"invalid": "Отправь ссылку на видео из TikTok, Reels или Shorts.",
		"busy":    "⏳ Подожди, я уже обрабатываю твой запрос. Пришли ссылку чуть позже.",

		"downloading":      "📥 Скачиваю видео...",
		"done":             "✅ Готово!",
		"original_caption": "Оригинальное видео (без изменений) 📹",
		"offload_link":     "Файл слишком большой для отправки. Скачай по ссылке (действует {hours} ч):\n{url}",

		"ask_unique": "Нужно уникализировать это видео?",
		"btn_yes":    "✅ Да",
		"btn_no":     "❌ Нет",
		"no_unique":  "Ок, не уникализирую 🙂",

		"unique_processing": "🔄 Уникализирую (кроп/цвет/шум/fps + лёгкое аудио)...",
		"unique_caption":    "Уникализированное видео 👌",
		"unique_error":      "Ошибка уникализации: ffmpeg недоступен или произошла другая ошибка.",
		"session_expired":   "Сессия устарела. Пришли ссылку заново.",

		"error": "Ошибка: не удалось обработать ссылку. Попробуй другую или повтори позже.",

		"admin_panel":         "🔐 Админ-панель",
		"not_admin":           "Доступ запрещён.",
		"admin_btn_stats":     "📊 Статистика",
		"admin_btn_broadcast": "📢 Рассылка",
		"admin_btn_cancel":    "❌ Отменить",

		"stats": "📊 Статистика:\n" +
			"• Пользователей: {users}\n" +
			"• Активные 24ч: {active_24h}\n" +
			"• Активные 7д: {active_7d}\n" +
			"• Активные 30д: {active_30d}\n" +
			"• Скачано: {downloads}\n" +
			"• Уникализировано: {transforms}\n" +
			"• Заблокировали: {blocked}",
		"new_user": "👤 Новый пользователь: {id} (@{username})",

		"broadcast_start":      "Отправьте сообщение для рассылки (текст, фото, видео, документ).\n/cancel — отменить",
		"broadcast_armed_off":  "Рассылка не запущена.",
		"broadcast_launched":   "Рассылка запущена. Прогресс — в сообщении выше.",
		"broadcast_progress":   "📢 Рассылка...\nОтправлено: {sent} из {total}",
		"broadcast_cancelling": "Рассылка отменяется...",
		"broadcast_cancelled":  "Рассылка отменена. Отправлено {sent} из {total}.",
		"broadcast_sent":       "✅ Рассылка завершена! Отправлено {sent} из {total}.",
		"broadcast_no_users":   "Нет пользователей для рассылки.",
		"broadcast_already":    "Рассылка уже идёт.",
		"broadcast_idle":       "Сейчас нет активной рассылки.",
		"broadcast_failed":     "Не удалось запустить рассылку.",
	},

	LangEN: {
		"choose_lang": "Choose language / Выберите язык:",
		"lang_ru":     "🇷🇺 Русский",
		"lang_en":     "🇬🇧 English",
		"lang_set":    "✅ Language selected",

		"welcome_menu":       "Hi! 👋\nI can download and make videos unique.\n\nChoose an action below:",
		"btn_menu_download":  "Download video",
		"btn_menu_unique":    "Unique tool",
		"send_link_download": "Send a video link (TikTok / Reels / Shorts) — I’ll download and send the original.",
		"send_link_unique":   "Send a video link (TikTok / Reels / Shorts) — I’ll download and send the unique version.",

		"invalid": "Send a TikTok / Reels / Shorts link.",
		"busy":    "⏳ Please wait, I’m already processing your request. Try again in a moment.",

		"downloading":      "📥 Downloading...",
		"done":             "✅ Done!",
		"original_caption": "Original video (no changes) 📹",
		"offload_link":     "The file is too large to send here. Download it via the link (valid {hours} h):\n{url}",

		"ask_unique": "Make it unique?",
		"btn_yes":    "✅ Yes",
		"btn_no":     "❌ No",
		"no_unique":  "Ok, won't make it unique 🙂",

		"unique_processing": "🔄 Making unique...",
		"unique_caption":    "Unique video 👌",
		"unique_error":      "Unique processing failed: ffmpeg missing or another error.",
		"session_expired":   "Session expired. Send the link again.",

		"error": "Error: could not process the link. Try another one or retry later.",
	},
}
